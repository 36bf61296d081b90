package features

import (
	"log/slog"
	"testing"

	"marketpipe/internal/bus"
	"marketpipe/pkg/types"
)

func kline(ts types.TimeMS, tf string, o, h, l, c float64, closed bool) types.KlineEvent {
	return types.KlineEvent{
		Meta:       types.Meta{Source: "test", TsEvent: ts, Ts: ts, TsIngest: ts},
		StreamID:   "bybit:kline:futures",
		Symbol:     "BTCUSDT",
		MarketType: types.MarketFutures,
		TF:         tf,
		StartTs:    ts - 60_000,
		EndTs:      ts,
		Open:       o,
		High:       h,
		Low:        l,
		Close:      c,
		Volume:     10,
		Closed:     closed,
	}
}

func TestKlineWarmupBars(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	e := NewKline(b, engineConfig(), tickerClock(), slog.Default())

	// max(emaSlow=26, rsi+1=15, atr+1=15) = 26
	if got := e.WarmupBars(); got != 26 {
		t.Errorf("WarmupBars = %d, want 26", got)
	}
}

// One analytics:ready per (symbol, tf), at warmup.
func TestKlineReadyOncePerTF(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	e := NewKline(b, engineConfig(), tickerClock(), slog.Default())
	e.Start()
	defer e.Stop()

	var readies []types.ReadyEvent
	bus.Subscribe(b, bus.TopicReady, func(r types.ReadyEvent) { readies = append(readies, r) })

	price := 100.0
	for i := 0; i < 60; i++ {
		ts := types.TimeMS(60_000 * (i + 1))
		bus.Publish(b, bus.TopicKline, kline(ts, "1m", price, price+2, price-1, price+1, true))
		bus.Publish(b, bus.TopicKline, kline(ts, "5m", price, price+2, price-1, price+1, true))
		price += 0.5
	}

	if len(readies) != 2 {
		t.Fatalf("ready events = %d, want 2 (one per tf)", len(readies))
	}
	tfs := map[string]bool{}
	for _, r := range readies {
		if r.Reason != "klineWarmup" {
			t.Errorf("reason = %q", r.Reason)
		}
		tfs[r.TF] = true
	}
	if !tfs["1m"] || !tfs["5m"] {
		t.Errorf("ready tfs = %v", tfs)
	}
}

func TestKlineIgnoresOpenCandles(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	e := NewKline(b, engineConfig(), tickerClock(), slog.Default())
	e.Start()
	defer e.Stop()

	var features int
	bus.Subscribe(b, bus.TopicKlineFeatures, func(types.KlineFeaturesEvent) { features++ })

	bus.Publish(b, bus.TopicKline, kline(60_000, "1m", 100, 102, 99, 101, false))
	if features != 0 {
		t.Errorf("open candle produced features")
	}
	bus.Publish(b, bus.TopicKline, kline(60_000, "1m", 100, 102, 99, 101, true))
	if features != 1 {
		t.Errorf("closed candle produced %d feature events, want 1", features)
	}
}

// In a steady uptrend past warmup: emaFast > emaSlow, slope > 0, RSI high.
func TestKlineTrendIndicators(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	e := NewKline(b, engineConfig(), tickerClock(), slog.Default())
	e.Start()
	defer e.Stop()

	var last *types.KlineFeaturesEvent
	bus.Subscribe(b, bus.TopicKlineFeatures, func(f types.KlineFeaturesEvent) { last = &f })

	price := 100.0
	for i := 0; i < 60; i++ {
		ts := types.TimeMS(60_000 * (i + 1))
		bus.Publish(b, bus.TopicKline, kline(ts, "1m", price, price+1.5, price-0.5, price+1, true))
		price += 1
	}

	if last == nil {
		t.Fatal("no features emitted")
	}
	f := last.Features
	if !f.Ready {
		t.Fatal("features not ready after 60 bars")
	}
	if f.EMAFast <= f.EMASlow {
		t.Errorf("uptrend: emaFast %.2f <= emaSlow %.2f", f.EMAFast, f.EMASlow)
	}
	if f.Slope <= 0 {
		t.Errorf("uptrend: slope = %.4f, want > 0", f.Slope)
	}
	if f.RSI <= 50 {
		t.Errorf("uptrend: rsi = %.1f, want > 50", f.RSI)
	}
	if f.ATR <= 0 {
		t.Errorf("atr = %.4f, want > 0", f.ATR)
	}
	if f.ATRPct <= 0 {
		t.Errorf("atrPct = %.6f, want > 0", f.ATRPct)
	}
}
