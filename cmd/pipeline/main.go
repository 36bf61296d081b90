// marketpipe — a real-time market-data ingestion and analytics pipeline
// for cryptocurrency venues.
//
// Architecture:
//
//	cmd/pipeline           — cobra CLI: run, replay, ctl
//	internal/bus           — typed topic pub/sub every component talks through
//	internal/gateway       — venue WS/REST transports with resync coalescing
//	internal/ingress       — per-venue normalizers enforcing event invariants
//	internal/orderbook     — L2 snapshot+delta state machine
//	internal/journal       — partitioned append-only JSONL journal + quality tap
//	internal/replay        — deterministic journal replay
//	internal/aggregate     — canonical price, CVD, OI, funding, liquidations, liquidity
//	internal/features      — per-symbol ticker/kline rolling features
//	internal/analytics     — market context, regime, composed market view
//	internal/readiness     — confidence engine + marketDataStatus gating signal
//	internal/orchestrator  — lifecycle, control commands, boot fan-out
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"marketpipe/internal/config"
)

func main() {
	// .env is optional developer convenience; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Cross-venue market data ingestion and analytics pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "configs/config.yaml", "path to config file")

	root.AddCommand(runCmd(), replayCmd(), ctlCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the config for a command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if p := os.Getenv("BOT_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
