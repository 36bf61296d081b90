package replay

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/internal/journal"
	"marketpipe/pkg/types"
)

// 2024-01-15T00:00:05Z
const baseTs = types.TimeMS(1_705_276_805_000)

func replayClock() types.Clock {
	return func() time.Time { return time.UnixMilli(int64(baseTs)) }
}

func noSleep(time.Duration) {}

func meta(stream string) types.Meta {
	return types.Meta{
		Source:        "ingress_bybit",
		TsEvent:       baseTs,
		Ts:            baseTs,
		TsIngest:      baseTs,
		TsExchange:    baseTs - 50,
		StreamID:      stream,
		CorrelationID: "chain-9",
	}
}

// writeSession journals one event per topic and returns (baseDir, runId).
func writeSession(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	b := bus.New(slog.Default())
	cfg := config.JournalConfig{
		Enabled: true,
		BaseDir: dir,
		Topics: []string{
			"market:ticker", "market:kline", "market:trade",
			"market:orderbook_l2_snapshot", "market:orderbook_l2_delta",
			"market:oi", "market:funding",
		},
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
		QueueSize:     1000,
		RetryBackoff:  10 * time.Millisecond,
		MaxRetries:    2,
	}
	j := journal.New(b, cfg, replayClock(), slog.Default())
	j.Start()

	bus.Publish(b, bus.TopicTicker, types.TickerEvent{
		Meta: meta("bybit:ticker:futures"), StreamID: "bybit:ticker:futures", Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, Price: 50_000,
	})
	bus.Publish(b, bus.TopicKline, types.KlineEvent{
		Meta: meta("bybit:kline:futures"), StreamID: "bybit:kline:futures", Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, TF: "5m",
		StartTs: baseTs - 300_000, EndTs: baseTs + 123, Close: 50_000, Closed: true,
	})
	bus.Publish(b, bus.TopicTrade, types.TradeEvent{
		Meta: meta("bybit:trade:futures"), StreamID: "bybit:trade:futures", Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, Side: types.Buy, Price: 50_000, Size: 1, TradeTs: baseTs + 7,
	})
	bus.Publish(b, bus.TopicOrderbookL2Snapshot, types.OrderbookL2Snapshot{
		Meta: meta("bybit:orderbook:futures"), StreamID: "bybit:orderbook:futures", Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, UpdateID: 10, ExchangeTs: baseTs + 11,
	})
	bus.Publish(b, bus.TopicOrderbookL2Delta, types.OrderbookL2Delta{
		Meta: meta("bybit:orderbook:futures"), StreamID: "bybit:orderbook:futures", Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, UpdateID: 11, PrevUpdateID: 10, ExchangeTs: baseTs + 12,
	})
	bus.Publish(b, bus.TopicOpenInterest, types.OpenInterestEvent{
		Meta: meta("bybit:oi:futures"), StreamID: "bybit:oi:futures", Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, OpenInterest: 1000, Unit: types.UnitBase,
	})
	bus.Publish(b, bus.TopicFunding, types.FundingRateEvent{
		Meta: meta("bybit:funding:futures"), StreamID: "bybit:funding:futures", Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, Rate: 0.0001,
	})
	j.Stop()
	return dir, j.RunID()
}

// Round trip: each journaled topic re-emits exactly its events with
// meta.source="replay" and the topic-specific authoritative ts.
func TestReplayRoundTrip(t *testing.T) {
	t.Parallel()
	dir, runID := writeSession(t)

	cases := []struct {
		topic  string
		stream string
		tf     string
		wantTs types.TimeMS
	}{
		{"market:ticker", "bybit:ticker:futures", "", baseTs},
		{"market:kline", "bybit:kline:futures", "5m", baseTs + 123},
		{"market:trade", "bybit:trade:futures", "", baseTs + 7},
		{"market:orderbook_l2_snapshot", "bybit:orderbook:futures", "", baseTs + 11},
		{"market:orderbook_l2_delta", "bybit:orderbook:futures", "", baseTs + 12},
		{"market:oi", "bybit:oi:futures", "", baseTs},
		{"market:funding", "bybit:funding:futures", "", baseTs},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.topic, func(t *testing.T) {
			t.Parallel()
			b := bus.New(slog.Default())

			var metas []types.Meta
			collect := func(m types.Meta) { metas = append(metas, m) }
			bus.Subscribe(b, bus.TopicTicker, func(e types.TickerEvent) { collect(e.Meta) })
			bus.Subscribe(b, bus.TopicKline, func(e types.KlineEvent) { collect(e.Meta) })
			bus.Subscribe(b, bus.TopicTrade, func(e types.TradeEvent) { collect(e.Meta) })
			bus.Subscribe(b, bus.TopicOrderbookL2Snapshot, func(e types.OrderbookL2Snapshot) { collect(e.Meta) })
			bus.Subscribe(b, bus.TopicOrderbookL2Delta, func(e types.OrderbookL2Delta) { collect(e.Meta) })
			bus.Subscribe(b, bus.TopicOpenInterest, func(e types.OpenInterestEvent) { collect(e.Meta) })
			bus.Subscribe(b, bus.TopicFunding, func(e types.FundingRateEvent) { collect(e.Meta) })

			var finished *types.ReplayFinished
			bus.Subscribe(b, bus.TopicReplayFinished, func(e types.ReplayFinished) { finished = &e })

			runner := NewRunner(b, replayClock(), noSleep, slog.Default())
			err := runner.Run(Options{
				BaseDir:  dir,
				StreamID: tc.stream,
				Symbol:   "BTCUSDT",
				RunID:    runID,
				Topic:    tc.topic,
				TF:       tc.tf,
				Mode:     ModeMax,
			})
			if err != nil {
				t.Fatalf("replay: %v", err)
			}

			if finished == nil || finished.Emitted != 1 || finished.Skipped != 0 {
				t.Fatalf("finished = %+v, want emitted=1 skipped=0", finished)
			}
			if len(metas) != 1 {
				t.Fatalf("re-emitted events = %d, want 1", len(metas))
			}
			m := metas[0]
			if m.Source != "replay" {
				t.Errorf("source = %q, want replay", m.Source)
			}
			if m.Ts != tc.wantTs {
				t.Errorf("ts = %d, want %d", m.Ts, tc.wantTs)
			}
			if m.CorrelationID != "chain-9" {
				t.Errorf("correlationId = %q, want preserved chain-9", m.CorrelationID)
			}
			if m.TsExchange != baseTs-50 {
				t.Errorf("tsExchange = %d, want preserved %d", m.TsExchange, baseTs-50)
			}
		})
	}
}

func TestReplayLegacyLayoutFallback(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// Legacy layout: no runId segment.
	legacyDir := filepath.Join(dir, "bybit:trade:futures", "BTCUSDT", "market_trade")
	if err := os.MkdirAll(legacyDir, 0o755); err != nil {
		t.Fatal(err)
	}
	line := `{"seq":1,"streamId":"bybit:trade:futures","topic":"market:trade","symbol":"BTCUSDT","tsIngest":1705276805000,"payload":{"meta":{"source":"ingress_bybit","tsEvent":1705276805000,"ts":1705276805000},"streamId":"bybit:trade:futures","symbol":"BTCUSDT","marketType":"futures","side":"Buy","price":50000,"size":1,"tradeTs":1705276805007}}`
	if err := os.WriteFile(filepath.Join(legacyDir, "2024-01-15.jsonl"), []byte(line+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := bus.New(slog.Default())
	var trades []types.TradeEvent
	bus.Subscribe(b, bus.TopicTrade, func(e types.TradeEvent) { trades = append(trades, e) })

	runner := NewRunner(b, replayClock(), noSleep, slog.Default())
	err := runner.Run(Options{
		BaseDir:  dir,
		StreamID: "bybit:trade:futures",
		Symbol:   "BTCUSDT",
		RunID:    "run-that-does-not-exist",
		Topic:    "market:trade",
		Mode:     ModeMax,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1 via legacy fallback", len(trades))
	}
	if trades[0].Meta.Ts != 1_705_276_805_007 {
		t.Errorf("ts = %d, want tradeTs", trades[0].Meta.Ts)
	}
}

func TestReplayCorruptLinesSkipped(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tradeDir := filepath.Join(dir, "s", "BTCUSDT", "market_trade", "run1")
	if err := os.MkdirAll(tradeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	good := `{"seq":2,"streamId":"s","topic":"market:trade","symbol":"BTCUSDT","tsIngest":1705276805000,"payload":{"meta":{"tsEvent":1705276805000,"ts":1705276805000},"symbol":"BTCUSDT","marketType":"futures","side":"Sell","price":1,"size":1,"tradeTs":1705276805000}}`
	content := "not json at all\n" + good + "\n" + `{"seq":3,"topic":"market:trade","payload":{"bad":"no symbol"}}` + "\n"
	if err := os.WriteFile(filepath.Join(tradeDir, "2024-01-15.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	b := bus.New(slog.Default())
	var warnings []types.ReplayWarning
	bus.Subscribe(b, bus.TopicReplayWarning, func(w types.ReplayWarning) { warnings = append(warnings, w) })
	var finished *types.ReplayFinished
	bus.Subscribe(b, bus.TopicReplayFinished, func(e types.ReplayFinished) { finished = &e })

	runner := NewRunner(b, replayClock(), noSleep, slog.Default())
	err := runner.Run(Options{
		BaseDir: dir, StreamID: "s", Symbol: "BTCUSDT", RunID: "run1",
		Topic: "market:trade", Mode: ModeMax,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if finished == nil || finished.Emitted != 1 || finished.Skipped != 2 {
		t.Fatalf("finished = %+v, want emitted=1 skipped=2", finished)
	}
	if len(warnings) != 2 {
		t.Errorf("warnings = %d, want 2", len(warnings))
	}
}

// Aggregated topics are outputs only; replaying one is a layout error.
func TestReplayRejectsAggregatedTopics(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	var errs []types.ReplayError
	bus.Subscribe(b, bus.TopicReplayError, func(e types.ReplayError) { errs = append(errs, e) })

	runner := NewRunner(b, replayClock(), noSleep, slog.Default())
	err := runner.Run(Options{
		BaseDir: t.TempDir(), StreamID: "s", Symbol: "BTCUSDT",
		Topic: "market:oi_agg", Mode: ModeMax,
	})
	if err == nil {
		t.Fatal("expected error for aggregated topic")
	}
	if len(errs) != 1 {
		t.Errorf("replay:error events = %d, want 1", len(errs))
	}
}

// Accelerated pacing sleeps the ingest deltas divided by the speed factor.
func TestReplayAcceleratedPacing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tradeDir := filepath.Join(dir, "s", "BTCUSDT", "market_trade", "run1")
	if err := os.MkdirAll(tradeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	rec := func(seq int, ingest types.TimeMS) string {
		return `{"seq":` + itoa(seq) + `,"streamId":"s","topic":"market:trade","symbol":"BTCUSDT","tsIngest":` + ingest.String() +
			`,"payload":{"meta":{"tsEvent":1705276805000,"ts":1705276805000},"symbol":"BTCUSDT","marketType":"futures","side":"Buy","price":1,"size":1,"tradeTs":1705276805000}}`
	}
	content := rec(1, baseTs) + "\n" + rec(2, baseTs+1000) + "\n"
	if err := os.WriteFile(filepath.Join(tradeDir, "2024-01-15.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var slept []time.Duration
	sleep := func(d time.Duration) { slept = append(slept, d) }

	b := bus.New(slog.Default())
	runner := NewRunner(b, replayClock(), sleep, slog.Default())
	err := runner.Run(Options{
		BaseDir: dir, StreamID: "s", Symbol: "BTCUSDT", RunID: "run1",
		Topic: "market:trade", Mode: ModeAccelerated, SpeedFactor: 4,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(slept) != 1 {
		t.Fatalf("sleeps = %d, want 1", len(slept))
	}
	if slept[0] != 250*time.Millisecond {
		t.Errorf("slept %v, want 250ms (1000ms / 4)", slept[0])
	}
}

func itoa(n int) string {
	return types.TimeMS(n).String()
}
