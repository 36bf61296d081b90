// Package config defines all configuration for the market-data pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// the recognized BOT_* environment variables overriding the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"marketpipe/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      types.Mode      `mapstructure:"mode"`
	Symbols   []string        `mapstructure:"symbols"`
	Venues    []VenueConfig   `mapstructure:"venues"`
	Features  FeatureToggles  `mapstructure:"features"`
	Klines    KlineConfig     `mapstructure:"klines"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Engines   EngineConfig    `mapstructure:"engines"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Status    StatusConfig    `mapstructure:"status"`
	Debug     DebugFlags      `mapstructure:"debug"`
}

// VenueConfig describes one exchange connection target.
type VenueConfig struct {
	Name       string           `mapstructure:"name"` // bybit | binance | okx
	MarketType types.MarketType `mapstructure:"market_type"`
	WSURL      string           `mapstructure:"ws_url"`
	RESTURL    string           `mapstructure:"rest_url"`
	Channels   []string         `mapstructure:"channels"`
	Enabled    bool             `mapstructure:"enabled"`
}

// FeatureToggles mirrors the BOT_*_ENABLED environment switches.
type FeatureToggles struct {
	Trades       bool `mapstructure:"trades"`
	Orderbook    bool `mapstructure:"orderbook"`
	OpenInterest bool `mapstructure:"oi"`
	Funding      bool `mapstructure:"funding"`
	Liquidations bool `mapstructure:"liquidations"`
	Klines       bool `mapstructure:"klines"`
	Spot         bool `mapstructure:"spot"`
}

// KlineConfig controls kline subscriptions and REST bootstrap.
type KlineConfig struct {
	Intervals []string `mapstructure:"intervals"` // default 1m,5m,15m,1h,4h,1d
	Limit     int      `mapstructure:"limit"`     // bootstrap candles per tf, default 200
}

// JournalConfig controls the durable event journal.
type JournalConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	BaseDir          string        `mapstructure:"base_dir"`
	Topics           []string      `mapstructure:"topics"` // non-aggregated topics to persist
	BatchSize        int           `mapstructure:"batch_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	QueueSize        int           `mapstructure:"queue_size"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MaxRetries       int           `mapstructure:"max_retries"`
	LatencySpikeMs   int64         `mapstructure:"latency_spike_ms"`
	AggregatedTopics []string      `mapstructure:"aggregated_topics"` // written to the separate aggregated journal
}

// GatewayConfig tunes venue transports and resync coalescing.
type GatewayConfig struct {
	ResyncCooldown       time.Duration `mapstructure:"resync_cooldown"`        // default >= 1s
	ResyncReasonCooldown time.Duration `mapstructure:"resync_reason_cooldown"` // default >= 2s
	OrderbookDepth       int           `mapstructure:"orderbook_depth"`
	ReconnectMaxWait     time.Duration `mapstructure:"reconnect_max_wait"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
}

// SourceConfig configures one aggregation input source (a venue stream).
type SourceConfig struct {
	StreamID       string  `mapstructure:"stream_id"`
	Weight         float64 `mapstructure:"weight"`
	UnitMultiplier float64 `mapstructure:"unit_multiplier"` // 0 = 1.0
	SignOverride   float64 `mapstructure:"sign_override"`   // 0 = +1
	TrustCap       float64 `mapstructure:"trust_cap"`       // 0 = 1.0; e.g. OKX_LIQUIDATIONS_LIMITED -> 0.7
	TrustCapReason string  `mapstructure:"trust_cap_reason"`
}

// AggregateConfig tunes the cross-venue aggregators.
type AggregateConfig struct {
	TTL             time.Duration  `mapstructure:"ttl"`
	MinEmitInterval time.Duration  `mapstructure:"min_emit_interval"`
	BucketMs        int64          `mapstructure:"bucket_ms"`
	MismatchPct     float64        `mapstructure:"mismatch_pct"`
	OIBaseline      string         `mapstructure:"oi_baseline"` // bybit | median
	DepthLevels     int            `mapstructure:"depth_levels"`
	Price           []SourceConfig `mapstructure:"price"`
	CVD             []SourceConfig `mapstructure:"cvd"`
	OpenInterest    []SourceConfig `mapstructure:"oi"`
	Funding         []SourceConfig `mapstructure:"funding"`
	Liquidations    []SourceConfig `mapstructure:"liquidations"`
	Liquidity       []SourceConfig `mapstructure:"liquidity"`
}

// StaleRule is one staleness policy rule. Specificity ordering at lookup:
// topic+symbol+market > topic+symbol > topic+market > topic.
type StaleRule struct {
	Topic              string           `mapstructure:"topic"`
	Symbol             string           `mapstructure:"symbol"`
	MarketType         types.MarketType `mapstructure:"market_type"`
	ExpectedIntervalMs int64            `mapstructure:"expected_interval_ms"`
	StaleThresholdMs   int64            `mapstructure:"stale_threshold_ms"`
	StartupGraceMs     int64            `mapstructure:"startup_grace_ms"`
	MinSamples         int              `mapstructure:"min_samples"`
}

// ExpectedBlockSources lists expected sources per block for a
// (symbol, marketType) scope. Empty symbol/market match all.
type ExpectedBlockSources struct {
	Symbol     string           `mapstructure:"symbol"`
	MarketType types.MarketType `mapstructure:"market_type"`
	Block      types.Block      `mapstructure:"block"`
	Agg        []string         `mapstructure:"agg"`
	Raw        []string         `mapstructure:"raw"`
}

// ReadinessConfig tunes the confidence engine and status emission.
type ReadinessConfig struct {
	TargetMarketType types.MarketType       `mapstructure:"target_market_type"` // spot | futures | "" (unset)
	WarmupWindow     time.Duration          `mapstructure:"warmup_window"`
	BucketMs         int64                  `mapstructure:"bucket_ms"`
	WSRecoveryWindow time.Duration          `mapstructure:"ws_recovery_window"`
	FlowLowConf      float64                `mapstructure:"flow_low_conf"`
	Expected         []ExpectedBlockSources `mapstructure:"expected"`
	StaleRules       []StaleRule            `mapstructure:"stale_rules"`
}

// EngineConfig tunes the per-symbol feature engines.
type EngineConfig struct {
	SMAPeriod         int           `mapstructure:"sma_period"`
	WindowSize        int           `mapstructure:"window_size"`
	MinEmitInterval   time.Duration `mapstructure:"min_emit_interval"`
	MaxTicksBeforeEmit int          `mapstructure:"max_ticks_before_emit"`
	EMAFast           int           `mapstructure:"ema_fast"`
	EMASlow           int           `mapstructure:"ema_slow"`
	RSIPeriod         int           `mapstructure:"rsi_period"`
	ATRPeriod         int           `mapstructure:"atr_period"`
	MacroTfs          []string      `mapstructure:"macro_tfs"`
	HighVolThreshold  float64       `mapstructure:"high_vol_threshold"` // atrPct storm cutoff
}

// SnapshotConfig controls periodic state persistence.
type SnapshotConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Dir      string `mapstructure:"dir"`
	Schedule string `mapstructure:"schedule"` // cron spec, default every minute
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the status HTTP server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DebugFlags mirror the BOT_*_DEBUG switches; all off by default.
type DebugFlags struct {
	CVD       bool `mapstructure:"cvd"`
	Flow      bool `mapstructure:"flow"`
	Readiness bool `mapstructure:"readiness"`
	Gap       bool `mapstructure:"gap"`
}

// Load reads config from a YAML file with BOT_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(types.ModePaper))
	v.SetDefault("klines.intervals", []string{"1m", "5m", "15m", "1h", "4h", "1d"})
	v.SetDefault("klines.limit", 200)
	v.SetDefault("features.trades", true)
	v.SetDefault("features.orderbook", true)
	v.SetDefault("features.oi", true)
	v.SetDefault("features.funding", true)
	v.SetDefault("features.liquidations", true)
	v.SetDefault("features.klines", true)
	v.SetDefault("features.spot", true)
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.base_dir", "data/journal")
	v.SetDefault("journal.batch_size", 200)
	v.SetDefault("journal.flush_interval", "500ms")
	v.SetDefault("journal.queue_size", 8192)
	v.SetDefault("journal.retry_backoff", "250ms")
	v.SetDefault("journal.max_retries", 5)
	v.SetDefault("journal.latency_spike_ms", 2000)
	v.SetDefault("gateway.resync_cooldown", "1s")
	v.SetDefault("gateway.resync_reason_cooldown", "2s")
	v.SetDefault("gateway.orderbook_depth", 50)
	v.SetDefault("gateway.reconnect_max_wait", "30s")
	v.SetDefault("gateway.ping_interval", "20s")
	v.SetDefault("gateway.read_timeout", "60s")
	v.SetDefault("aggregate.ttl", "10s")
	v.SetDefault("aggregate.min_emit_interval", "200ms")
	v.SetDefault("aggregate.bucket_ms", 1000)
	v.SetDefault("aggregate.mismatch_pct", 0.5)
	v.SetDefault("aggregate.oi_baseline", "bybit")
	v.SetDefault("aggregate.depth_levels", 10)
	v.SetDefault("readiness.warmup_window", "60s")
	v.SetDefault("readiness.bucket_ms", 1000)
	v.SetDefault("readiness.ws_recovery_window", "30s")
	v.SetDefault("readiness.flow_low_conf", 0.3)
	v.SetDefault("engines.sma_period", 20)
	v.SetDefault("engines.window_size", 64)
	v.SetDefault("engines.min_emit_interval", "500ms")
	v.SetDefault("engines.max_ticks_before_emit", 10)
	v.SetDefault("engines.ema_fast", 12)
	v.SetDefault("engines.ema_slow", 26)
	v.SetDefault("engines.rsi_period", 14)
	v.SetDefault("engines.atr_period", 14)
	v.SetDefault("engines.macro_tfs", []string{"1h", "4h"})
	v.SetDefault("engines.high_vol_threshold", 0.02)
	v.SetDefault("snapshot.enabled", true)
	v.SetDefault("snapshot.dir", "data/state")
	v.SetDefault("snapshot.schedule", "0 * * * * *")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 8085)
}

// applyEnvOverrides maps the recognized BOT_* variables that do not fit the
// viper key scheme (lists, aliased names, feature toggles).
func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv("BOT_SYMBOLS"); s != "" {
		cfg.Symbols = splitCSV(s)
	}
	if s := os.Getenv("BOT_KLINE_TF"); s != "" {
		cfg.Klines.Intervals = splitCSV(s)
	}
	if s := os.Getenv("BOT_KLINE_INTERVALS"); s != "" {
		cfg.Klines.Intervals = splitCSV(s)
	}
	if s := os.Getenv("BOT_KLINE_LIMIT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Klines.Limit = n
		}
	}
	if s := os.Getenv("BOT_TARGET_MARKET_TYPE"); s != "" {
		cfg.Readiness.TargetMarketType = types.MarketType(s)
	}
	if s := os.Getenv("BOT_ORDERBOOK_DEPTH"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Gateway.OrderbookDepth = n
		}
	}

	boolEnv := func(name string, dst *bool) {
		switch os.Getenv(name) {
		case "true", "1":
			*dst = true
		case "false", "0":
			*dst = false
		}
	}
	boolEnv("BOT_TRADES_ENABLED", &cfg.Features.Trades)
	boolEnv("BOT_ORDERBOOK_ENABLED", &cfg.Features.Orderbook)
	boolEnv("BOT_OI_ENABLED", &cfg.Features.OpenInterest)
	boolEnv("BOT_FUNDING_ENABLED", &cfg.Features.Funding)
	boolEnv("BOT_LIQUIDATIONS_ENABLED", &cfg.Features.Liquidations)
	boolEnv("BOT_KLINES_ENABLED", &cfg.Features.Klines)
	boolEnv("BOT_SPOT_ENABLED", &cfg.Features.Spot)
	boolEnv("BOT_CVD_DEBUG", &cfg.Debug.CVD)
	boolEnv("BOT_FLOW_DEBUG", &cfg.Debug.Flow)
	boolEnv("BOT_READINESS_DEBUG", &cfg.Debug.Readiness)
	boolEnv("BOT_GAP_DEBUG", &cfg.Debug.Gap)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols is required (set BOT_SYMBOLS)")
	}
	switch c.Mode {
	case types.ModeLive, types.ModePaper, types.ModeBacktest:
	default:
		return fmt.Errorf("mode must be one of LIVE, PAPER, BACKTEST")
	}
	if c.Readiness.TargetMarketType != "" && !c.Readiness.TargetMarketType.Valid() {
		return fmt.Errorf("readiness.target_market_type must be spot, futures or unset")
	}
	for _, v := range c.Venues {
		if v.Name == "" {
			return fmt.Errorf("venue name is required")
		}
		if !v.MarketType.Valid() {
			return fmt.Errorf("venue %s: market_type must be spot or futures", v.Name)
		}
		if v.Enabled && v.WSURL == "" {
			return fmt.Errorf("venue %s: ws_url is required when enabled", v.Name)
		}
	}
	if c.Journal.Enabled {
		if c.Journal.BatchSize <= 0 {
			return fmt.Errorf("journal.batch_size must be > 0")
		}
		if c.Journal.FlushInterval <= 0 {
			return fmt.Errorf("journal.flush_interval must be > 0")
		}
		for _, topic := range c.Journal.Topics {
			if strings.HasSuffix(topic, "_agg") || strings.HasSuffix(topic, "canonical") {
				return fmt.Errorf("journal.topics: %s is aggregated and belongs to aggregated_topics", topic)
			}
		}
	}
	if c.Gateway.ResyncCooldown < time.Second {
		return fmt.Errorf("gateway.resync_cooldown must be >= 1s")
	}
	if c.Gateway.ResyncReasonCooldown < 2*time.Second {
		return fmt.Errorf("gateway.resync_reason_cooldown must be >= 2s")
	}
	if c.Aggregate.TTL <= 0 {
		return fmt.Errorf("aggregate.ttl must be > 0")
	}
	if c.Engines.SMAPeriod <= 1 {
		return fmt.Errorf("engines.sma_period must be > 1")
	}
	if c.Engines.EMAFast >= c.Engines.EMASlow {
		return fmt.Errorf("engines.ema_fast must be < engines.ema_slow")
	}
	return nil
}
