package journal

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

// 2024-01-15T00:00:05Z
const baseTs = types.TimeMS(1_705_276_805_000)

const tradeStream = "bybit:trade:futures"

func journalConfig(dir string) config.JournalConfig {
	return config.JournalConfig{
		Enabled:          true,
		BaseDir:          dir,
		Topics:           []string{"market:ticker", "market:kline", "market:trade", "market:oi"},
		AggregatedTopics: []string{"market:price_canonical"},
		BatchSize:        100,
		FlushInterval:    10 * time.Millisecond,
		QueueSize:        1000,
		RetryBackoff:     10 * time.Millisecond,
		MaxRetries:       2,
		LatencySpikeMs:   1000,
	}
}

func journalClock() types.Clock {
	return func() time.Time { return time.UnixMilli(int64(baseTs)) }
}

func newJournalUnderTest(t *testing.T) (*bus.Bus, *Journal, string) {
	t.Helper()
	dir := t.TempDir()
	b := bus.New(slog.Default())
	j := New(b, journalConfig(dir), journalClock(), slog.Default())
	j.Start()
	return b, j, dir
}

func journalMeta(stream string, seq types.Seq) types.Meta {
	return types.Meta{
		Source:   "test",
		TsEvent:  baseTs,
		Ts:       baseTs,
		TsIngest: baseTs,
		Sequence: seq,
		StreamID: stream,
	}
}

func readRecords(t *testing.T, path string) []types.JournalRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var out []types.JournalRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec types.JournalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad line in %s: %v", path, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestJournalPartitionLayout(t *testing.T) {
	t.Parallel()
	b, j, dir := newJournalUnderTest(t)

	bus.Publish(b, bus.TopicTrade, types.TradeEvent{
		Meta: journalMeta(tradeStream, 1), StreamID: tradeStream, Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, Side: types.Buy, Price: 100, Size: 1, TradeTs: baseTs,
	})
	bus.Publish(b, bus.TopicKline, types.KlineEvent{
		Meta: journalMeta("bybit:kline:futures", 0), StreamID: "bybit:kline:futures", Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, TF: "5m", StartTs: baseTs - 300_000, EndTs: baseTs, Close: 100, Closed: true,
	})
	j.Stop()

	tradePath := filepath.Join(dir, tradeStream, "BTCUSDT", "market_trade", j.RunID(), "2024-01-15.jsonl")
	if recs := readRecords(t, tradePath); len(recs) != 1 {
		t.Fatalf("trade records = %d, want 1", len(recs))
	}

	// Klines partition under an extra tf segment.
	klinePath := filepath.Join(dir, "bybit:kline:futures", "BTCUSDT", "market_kline", "5m", j.RunID(), "2024-01-15.jsonl")
	if recs := readRecords(t, klinePath); len(recs) != 1 {
		t.Fatalf("kline records = %d, want 1", len(recs))
	}
}

// Journal seq is strictly increasing within a run across all topics.
func TestJournalSeqAcrossTopics(t *testing.T) {
	t.Parallel()
	b, j, dir := newJournalUnderTest(t)

	bus.Publish(b, bus.TopicTrade, types.TradeEvent{
		Meta: journalMeta(tradeStream, 1), StreamID: tradeStream, Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, Side: types.Buy, Price: 100, Size: 1, TradeTs: baseTs,
	})
	bus.Publish(b, bus.TopicTicker, types.TickerEvent{
		Meta: journalMeta("bybit:ticker:futures", 0), StreamID: "bybit:ticker:futures", Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, Price: 100,
	})
	bus.Publish(b, bus.TopicTrade, types.TradeEvent{
		Meta: journalMeta(tradeStream, 2), StreamID: tradeStream, Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, Side: types.Sell, Price: 101, Size: 1, TradeTs: baseTs + 1,
	})
	j.Stop()

	var all []types.Seq
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		for _, rec := range readRecords(t, path) {
			all = append(all, rec.Seq)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("records = %d, want 3", len(all))
	}
	seen := map[types.Seq]bool{}
	for _, seq := range all {
		if seq < 1 || seq > 3 || seen[seq] {
			t.Errorf("seq %d outside dense run range 1..3", seq)
		}
		seen[seq] = true
	}
}

// Aggregated topics go to the separate aggregated journal, never the
// per-stream layout.
func TestJournalAggregatedSeparation(t *testing.T) {
	t.Parallel()
	b, j, dir := newJournalUnderTest(t)

	bus.Publish(b, bus.TopicPriceCanonical, types.CanonicalPriceEvent{
		Meta:          journalMeta("", 0),
		AggregateCore: types.AggregateCore{Symbol: "BTCUSDT"},
		Price:         50_000,
		PriceTypeUsed: types.PriceIndex,
	})
	j.Stop()

	aggPath := filepath.Join(dir, "aggregated", "market_price_canonical", "BTCUSDT", j.RunID(), "2024-01-15.jsonl")
	if recs := readRecords(t, aggPath); len(recs) != 1 {
		t.Fatalf("aggregated records = %d, want 1", len(recs))
	}

	// Nothing outside the aggregated tree.
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info.IsDir() {
			return walkErr
		}
		rel, _ := filepath.Rel(dir, path)
		if !strings.HasPrefix(rel, "aggregated"+string(filepath.Separator)) {
			t.Errorf("unexpected non-aggregated file %s", rel)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// The journal's quality tap turns a sequence jump into data:gapDetected.
func TestJournalQualityTapGap(t *testing.T) {
	t.Parallel()
	b, j, _ := newJournalUnderTest(t)
	defer j.Stop()

	var gaps []types.GapEvent
	bus.Subscribe(b, bus.TopicGapDetected, func(g types.GapEvent) { gaps = append(gaps, g) })

	publish := func(seq types.Seq) {
		bus.Publish(b, bus.TopicTrade, types.TradeEvent{
			Meta: journalMeta(tradeStream, seq), StreamID: tradeStream, Symbol: "BTCUSDT",
			MarketType: types.MarketFutures, Side: types.Buy, Price: 100, Size: 1, TradeTs: baseTs,
		})
	}
	publish(1)
	publish(2)
	publish(5)

	if len(gaps) != 1 {
		t.Fatalf("gap events = %d, want 1", len(gaps))
	}
	if gaps[0].Missed != 2 || gaps[0].Topic != "market:trade" {
		t.Errorf("gap = %+v", gaps[0])
	}
}

// Latency spikes (tsIngest - tsExchange over threshold) surface on the tap.
func TestJournalQualityTapLatency(t *testing.T) {
	t.Parallel()
	b, j, _ := newJournalUnderTest(t)
	defer j.Stop()

	var spikes []types.LatencySpikeEvent
	bus.Subscribe(b, bus.TopicLatencySpike, func(s types.LatencySpikeEvent) { spikes = append(spikes, s) })

	meta := journalMeta(tradeStream, 1)
	meta.TsExchange = baseTs - 5000
	bus.Publish(b, bus.TopicTrade, types.TradeEvent{
		Meta: meta, StreamID: tradeStream, Symbol: "BTCUSDT",
		MarketType: types.MarketFutures, Side: types.Buy, Price: 100, Size: 1, TradeTs: baseTs,
	})

	if len(spikes) != 1 {
		t.Fatalf("latency spikes = %d, want 1", len(spikes))
	}
	if spikes[0].LatencyMs != 5000 {
		t.Errorf("latencyMs = %d, want 5000", spikes[0].LatencyMs)
	}
}
