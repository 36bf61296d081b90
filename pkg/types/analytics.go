package types

// Regime is the coarse volatility regime derived from kline features.
type Regime string

const (
	RegimeCalm     Regime = "calm"
	RegimeVolatile Regime = "volatile"
	RegimeUnknown  Regime = "unknown"
)

// RegimeV2 is the finer-grained trend/volatility classification.
type RegimeV2 string

const (
	RegimeCalmRange RegimeV2 = "calm_range"
	RegimeTrendBull RegimeV2 = "trend_bull"
	RegimeTrendBear RegimeV2 = "trend_bear"
	RegimeStorm     RegimeV2 = "storm"
)

// FeaturesEvent carries per-symbol rolling ticker features on
// analytics:features.
type FeaturesEvent struct {
	Meta          Meta    `json:"meta"`
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Return1       float64 `json:"return1"`
	SMA           float64 `json:"sma,omitempty"` // present once featuresReady
	Volatility    float64 `json:"volatility,omitempty"`
	Momentum      float64 `json:"momentum,omitempty"`
	SampleCount   int     `json:"sampleCount"`
	FeaturesReady bool    `json:"featuresReady"`
}

// KlineFeatures carries per-(symbol, tf) indicator state on analytics
// context updates.
type KlineFeatures struct {
	Symbol  string  `json:"symbol"`
	TF      string  `json:"tf"`
	EMAFast float64 `json:"emaFast"`
	EMASlow float64 `json:"emaSlow"`
	RSI     float64 `json:"rsi"`
	ATR     float64 `json:"atr"`
	ATRPct  float64 `json:"atrPct"` // ATR / close
	Slope   float64 `json:"slope"`  // emaSlow delta per bar
	Close   float64 `json:"close"`
	Ready   bool    `json:"ready"`
}

// KlineFeaturesEvent publishes one (symbol, tf) indicator update on
// analytics:kline_features for the context builder.
type KlineFeaturesEvent struct {
	Meta     Meta          `json:"meta"`
	Features KlineFeatures `json:"features"`
}

// ReadyEvent signals a warmup milestone on analytics:ready. Emitted at most
// once per (symbol) for the ticker path, once per (symbol, tf) for the kline
// path, and once per symbol for macro readiness.
type ReadyEvent struct {
	Meta     Meta     `json:"meta"`
	Symbol   string   `json:"symbol"`
	Reason   string   `json:"reason"` // tickerWarmup | klineWarmup | macroWarmup
	TF       string   `json:"tf,omitempty"`
	ReadyTfs []string `json:"readyTfs,omitempty"` // sorted, macroWarmup only
}

// ContextEvent is the composed micro/macro market context on
// analytics:context.
type ContextEvent struct {
	Meta     Meta                     `json:"meta"`
	Symbol   string                   `json:"symbol"`
	Regime   Regime                   `json:"regime"`
	RegimeV2 RegimeV2                 `json:"regimeV2"`
	PerTF    map[string]KlineFeatures `json:"perTf,omitempty"`
	MacroTfs []string                 `json:"macroTfs,omitempty"`
}

// RegimeExplain carries the rule trace behind a regime decision on
// analytics:regime_explain.
type RegimeExplain struct {
	Meta     Meta              `json:"meta"`
	Symbol   string            `json:"symbol"`
	RegimeV2 RegimeV2          `json:"regimeV2"`
	PerTF    map[string]string `json:"perTf"` // tf -> rule that fired
}

// FlowEvent summarizes recent signed flow on analytics:flow.
type FlowEvent struct {
	Meta        Meta    `json:"meta"`
	Symbol      string  `json:"symbol"`
	CVDSpot     float64 `json:"cvdSpot"`
	CVDFutures  float64 `json:"cvdFutures"`
	BucketEndTs TimeMS  `json:"bucketEndTs"`
}

// MarketViewEvent is the composed per-symbol view on analytics:market_view:
// the latest canonical price joined with flow, derivatives, liquidity and
// regime state.
type MarketViewEvent struct {
	Meta           Meta                  `json:"meta"`
	Symbol         string                `json:"symbol"`
	Price          float64               `json:"price"`
	PriceType      PriceType             `json:"priceType"`
	CVD            *CVDAggEvent          `json:"cvd,omitempty"`
	OpenInterest   *OIAggEvent           `json:"openInterest,omitempty"`
	Funding        *FundingAggEvent      `json:"funding,omitempty"`
	Liquidity      *LiquidityAggEvent    `json:"liquidity,omitempty"`
	Liquidations   *LiquidationsAggEvent `json:"liquidations,omitempty"`
	Features       *FeaturesEvent        `json:"features,omitempty"`
	Regime         Regime                `json:"regime"`
	RegimeV2       RegimeV2              `json:"regimeV2"`
	Confidence     float64               `json:"confidence"`
}
