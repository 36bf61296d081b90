package analytics

import (
	"log/slog"
	"testing"
	"time"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

func builderConfig() config.EngineConfig {
	return config.EngineConfig{
		MacroTfs:         []string{"4h", "1h"}, // deliberately unsorted
		HighVolThreshold: 0.02,
	}
}

func testClock() types.Clock {
	return func() time.Time { return time.UnixMilli(5000) }
}

func newBuilderUnderTest(t *testing.T) (*bus.Bus, *ContextBuilder) {
	t.Helper()
	b := bus.New(slog.Default())
	c := NewContextBuilder(b, builderConfig(), testClock(), slog.Default())
	c.Start()
	t.Cleanup(c.Stop)
	return b, c
}

func ready(symbol, reason, tf string) types.ReadyEvent {
	return types.ReadyEvent{
		Meta:   types.Meta{Source: "test", TsEvent: 1000, Ts: 1000},
		Symbol: symbol,
		Reason: reason,
		TF:     tf,
	}
}

func klineFeat(symbol, tf string, emaFast, emaSlow, slope, atrPct float64) types.KlineFeaturesEvent {
	return types.KlineFeaturesEvent{
		Meta: types.Meta{Source: "test", TsEvent: 1000, Ts: 1000},
		Features: types.KlineFeatures{
			Symbol:  symbol,
			TF:      tf,
			EMAFast: emaFast,
			EMASlow: emaSlow,
			Slope:   slope,
			ATRPct:  atrPct,
			Close:   100,
			Ready:   true,
		},
	}
}

// Macro readiness fires only once all configured macro TFs are ready, with
// readyTfs sorted.
func TestMacroReadiness(t *testing.T) {
	t.Parallel()
	b, _ := newBuilderUnderTest(t)

	var macros []types.ReadyEvent
	bus.Subscribe(b, bus.TopicReady, func(r types.ReadyEvent) {
		if r.Reason == "macroWarmup" {
			macros = append(macros, r)
		}
	})

	bus.Publish(b, bus.TopicReady, ready("BTCUSDT", "klineWarmup", "1h"))
	if len(macros) != 0 {
		t.Fatal("macro fired before all tfs ready")
	}
	// An unrelated tf does not complete the set.
	bus.Publish(b, bus.TopicReady, ready("BTCUSDT", "klineWarmup", "5m"))
	if len(macros) != 0 {
		t.Fatal("macro fired on non-macro tf")
	}

	bus.Publish(b, bus.TopicReady, ready("BTCUSDT", "klineWarmup", "4h"))
	if len(macros) != 1 {
		t.Fatalf("macro events = %d, want 1", len(macros))
	}
	got := macros[0].ReadyTfs
	if len(got) != 2 || got[0] != "1h" || got[1] != "4h" {
		t.Errorf("readyTfs = %v, want sorted [1h 4h]", got)
	}

	// One-shot: further readiness does not re-fire.
	bus.Publish(b, bus.TopicReady, ready("BTCUSDT", "klineWarmup", "1h"))
	if len(macros) != 1 {
		t.Errorf("macro re-fired, events = %d", len(macros))
	}
}

func TestMacroReadinessPerSymbol(t *testing.T) {
	t.Parallel()
	b, _ := newBuilderUnderTest(t)

	var macros []types.ReadyEvent
	bus.Subscribe(b, bus.TopicReady, func(r types.ReadyEvent) {
		if r.Reason == "macroWarmup" {
			macros = append(macros, r)
		}
	})

	bus.Publish(b, bus.TopicReady, ready("BTCUSDT", "klineWarmup", "1h"))
	bus.Publish(b, bus.TopicReady, ready("ETHUSDT", "klineWarmup", "4h"))
	if len(macros) != 0 {
		t.Fatal("cross-symbol readiness must not combine")
	}
}

func TestRegimeRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		tf1h     types.KlineFeaturesEvent
		tf4h     types.KlineFeaturesEvent
		want     types.RegimeV2
		wantV1   types.Regime
	}{
		{
			name:   "all bull",
			tf1h:   klineFeat("BTCUSDT", "1h", 105, 100, 0.5, 0.001),
			tf4h:   klineFeat("BTCUSDT", "4h", 105, 100, 0.5, 0.001),
			want:   types.RegimeTrendBull,
			wantV1: types.RegimeCalm,
		},
		{
			name:   "all bear",
			tf1h:   klineFeat("BTCUSDT", "1h", 95, 100, -0.5, 0.001),
			tf4h:   klineFeat("BTCUSDT", "4h", 95, 100, -0.5, 0.001),
			want:   types.RegimeTrendBear,
			wantV1: types.RegimeCalm,
		},
		{
			name:   "disagreement is calm_range",
			tf1h:   klineFeat("BTCUSDT", "1h", 105, 100, 0.5, 0.001),
			tf4h:   klineFeat("BTCUSDT", "4h", 95, 100, -0.5, 0.001),
			want:   types.RegimeCalmRange,
			wantV1: types.RegimeCalm,
		},
		{
			name:   "storm dominates",
			tf1h:   klineFeat("BTCUSDT", "1h", 105, 100, 0.5, 0.05), // over threshold
			tf4h:   klineFeat("BTCUSDT", "4h", 105, 100, 0.5, 0.001),
			want:   types.RegimeStorm,
			wantV1: types.RegimeVolatile,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, _ := newBuilderUnderTest(t)

			var last *types.ContextEvent
			bus.Subscribe(b, bus.TopicContext, func(e types.ContextEvent) { last = &e })

			bus.Publish(b, bus.TopicKlineFeatures, tc.tf1h)
			bus.Publish(b, bus.TopicKlineFeatures, tc.tf4h)

			if last == nil {
				t.Fatal("no context emitted")
			}
			if last.RegimeV2 != tc.want {
				t.Errorf("regimeV2 = %s, want %s", last.RegimeV2, tc.want)
			}
			if last.Regime != tc.wantV1 {
				t.Errorf("regime = %s, want %s", last.Regime, tc.wantV1)
			}
		})
	}
}

func TestRegimeUnknownUntilAllReady(t *testing.T) {
	t.Parallel()
	b, _ := newBuilderUnderTest(t)

	var last *types.ContextEvent
	bus.Subscribe(b, bus.TopicContext, func(e types.ContextEvent) { last = &e })

	bus.Publish(b, bus.TopicKlineFeatures, klineFeat("BTCUSDT", "1h", 105, 100, 0.5, 0.001))

	if last == nil {
		t.Fatal("no context emitted")
	}
	if last.Regime != types.RegimeUnknown {
		t.Errorf("regime = %s, want unknown with 4h missing", last.Regime)
	}
}
