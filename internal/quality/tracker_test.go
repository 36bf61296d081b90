package quality

import (
	"testing"

	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

const testStream = "bybit:trade:futures"

func TestTrackerGap(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0)

	if issues := tr.Observe("market:trade", testStream, "", 1, 1000, 1000, 0); len(issues) != 0 {
		t.Fatalf("first event raised issues: %+v", issues)
	}
	if issues := tr.Observe("market:trade", testStream, "", 2, 1001, 1001, 0); len(issues) != 0 {
		t.Fatalf("contiguous event raised issues: %+v", issues)
	}

	issues := tr.Observe("market:trade", testStream, "", 5, 1002, 1002, 0)
	if len(issues) != 1 || issues[0].Kind != IssueGap {
		t.Fatalf("issues = %+v, want one gap", issues)
	}
	if issues[0].Missed != 2 || issues[0].ExpectedSeq != 3 || issues[0].ObservedSeq != 5 {
		t.Errorf("gap = %+v, want missed=2 expected=3 observed=5", issues[0])
	}
}

func TestTrackerDuplicate(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0)
	tr.Observe("market:trade", testStream, "", 3, 1000, 1000, 0)

	issues := tr.Observe("market:trade", testStream, "", 3, 1001, 1001, 0)
	if len(issues) != 1 || issues[0].Kind != IssueDuplicate {
		t.Fatalf("issues = %+v, want one duplicate", issues)
	}
}

func TestTrackerTimeOutOfOrder(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0)
	tr.Observe("market:kline", testStream, "1m", 0, 2000, 2000, 0)

	issues := tr.Observe("market:kline", testStream, "1m", 0, 1500, 2100, 0)
	if len(issues) != 1 || issues[0].Kind != IssueOutOfOrder {
		t.Fatalf("issues = %+v, want one out-of-order", issues)
	}
	if issues[0].PrevTs != 2000 || issues[0].Ts != 1500 {
		t.Errorf("out-of-order = %+v", issues[0])
	}
}

func TestTrackerPerTFIsolation(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0)
	tr.Observe("market:kline", testStream, "1m", 0, 2000, 2000, 0)

	// A 5m candle behind the 1m stream's clock is not out of order.
	if issues := tr.Observe("market:kline", testStream, "5m", 0, 1000, 2100, 0); len(issues) != 0 {
		t.Fatalf("cross-tf observation raised issues: %+v", issues)
	}
}

func TestTrackerLatencySpike(t *testing.T) {
	t.Parallel()
	tr := NewTracker(500)

	if issues := tr.Observe("market:trade", testStream, "", 0, 1000, 1400, 1000); len(issues) != 0 {
		t.Fatalf("latency under threshold raised issues: %+v", issues)
	}
	issues := tr.Observe("market:trade", testStream, "", 0, 2000, 2600, 2000)
	if len(issues) != 1 || issues[0].Kind != IssueLatencySpike {
		t.Fatalf("issues = %+v, want one latency spike", issues)
	}
	if issues[0].LatencyMs != 600 {
		t.Errorf("latencyMs = %d, want 600", issues[0].LatencyMs)
	}
}

func TestTrackerEvict(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0)
	tr.Observe("market:trade", testStream, "", 10, 1000, 1000, 0)
	tr.Evict(5000)

	// State was evicted: a lower sequence starts fresh, no gap/out-of-order.
	if issues := tr.Observe("market:trade", testStream, "", 2, 6000, 6000, 0); len(issues) != 0 {
		t.Fatalf("post-evict observation raised issues: %+v", issues)
	}
}

func TestStalePolicySpecificity(t *testing.T) {
	t.Parallel()
	p := NewStalePolicy([]config.StaleRule{
		{Topic: "market:ticker", StaleThresholdMs: 100},
		{Topic: "market:ticker", MarketType: types.MarketFutures, StaleThresholdMs: 200},
		{Topic: "market:ticker", Symbol: "BTCUSDT", StaleThresholdMs: 300},
		{Topic: "market:ticker", Symbol: "BTCUSDT", MarketType: types.MarketFutures, StaleThresholdMs: 400},
	})

	cases := []struct {
		symbol string
		market types.MarketType
		want   int64
	}{
		{"BTCUSDT", types.MarketFutures, 400}, // topic+symbol+market wins
		{"BTCUSDT", types.MarketSpot, 300},    // topic+symbol
		{"ETHUSDT", types.MarketFutures, 200}, // topic+market
		{"ETHUSDT", types.MarketSpot, 100},    // topic only
	}
	for _, tc := range cases {
		rule, ok := p.Resolve("market:ticker", tc.symbol, tc.market)
		if !ok {
			t.Fatalf("no rule for %s/%s", tc.symbol, tc.market)
		}
		if rule.StaleThresholdMs != tc.want {
			t.Errorf("%s/%s resolved threshold %d, want %d", tc.symbol, tc.market, rule.StaleThresholdMs, tc.want)
		}
	}
}

func TestStalePolicyGraceAndSamples(t *testing.T) {
	t.Parallel()
	p := NewStalePolicy(nil)
	rule := config.StaleRule{
		StaleThresholdMs: 100,
		StartupGraceMs:   1000,
		MinSamples:       3,
	}

	// Inside startup grace: never stale.
	if p.IsStale(rule, 0, 0, 500, 10) {
		t.Error("stale inside startup grace")
	}
	// Below min samples: never stale.
	if p.IsStale(rule, 0, 0, 5000, 2) {
		t.Error("stale below min samples")
	}
	// Past grace, enough samples, old lastSeen: stale.
	if !p.IsStale(rule, 1000, 0, 5000, 10) {
		t.Error("not stale past threshold")
	}
	// Fresh lastSeen: not stale.
	if p.IsStale(rule, 4950, 0, 5000, 10) {
		t.Error("stale with fresh lastSeen")
	}
}
