package registry

import (
	"testing"

	"marketpipe/pkg/types"
)

func TestExpectedSortedCopy(t *testing.T) {
	t.Parallel()
	r := New()
	src := []string{"okx:ticker:futures", "bybit:ticker:futures"}
	r.SetExpected("BTCUSDT", types.MarketFutures, types.BlockPrice, KindRaw, src)

	got, ok := r.Expected("BTCUSDT", types.MarketFutures, types.BlockPrice, KindRaw)
	if !ok {
		t.Fatal("scope not configured")
	}
	if got[0] != "bybit:ticker:futures" || got[1] != "okx:ticker:futures" {
		t.Errorf("expected = %v, want sorted", got)
	}

	// The returned slice is a copy; mutating it must not leak back.
	got[0] = "mutated"
	again, _ := r.Expected("BTCUSDT", types.MarketFutures, types.BlockPrice, KindRaw)
	if again[0] != "bybit:ticker:futures" {
		t.Error("Expected returned a live reference")
	}
}

func TestUnconfiguredScope(t *testing.T) {
	t.Parallel()
	r := New()
	if _, ok := r.Expected("BTCUSDT", types.MarketSpot, types.BlockFlow, KindAgg); ok {
		t.Error("unconfigured scope reported as configured")
	}
}

func TestFreshSeenCutoff(t *testing.T) {
	t.Parallel()
	r := New()
	r.MarkSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, "a", 1000)
	r.MarkSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, "b", 5000)

	fresh := r.FreshSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, 2000)
	if len(fresh) != 1 || fresh[0] != "b" {
		t.Errorf("fresh = %v, want [b]", fresh)
	}
}

func TestMarkSeenKeepsNewest(t *testing.T) {
	t.Parallel()
	r := New()
	r.MarkSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, "a", 5000)
	r.MarkSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, "a", 1000) // older, ignored

	fresh := r.FreshSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, 4000)
	if len(fresh) != 1 {
		t.Errorf("fresh = %v, older mark must not regress lastSeen", fresh)
	}
}

func TestCountsAcrossBlocks(t *testing.T) {
	t.Parallel()
	r := New()
	r.SetExpected("BTCUSDT", types.MarketFutures, types.BlockPrice, KindRaw, []string{"a", "b"})
	r.SetExpected("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, []string{"c"})
	r.MarkSeen("BTCUSDT", types.MarketFutures, types.BlockPrice, KindRaw, "a", 5000)
	r.MarkSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, "c", 5000)

	active, expected := r.Counts("BTCUSDT", types.MarketFutures, KindRaw, 4000)
	if active != 2 || expected != 3 {
		t.Errorf("counts = %d/%d, want 2/3", active, expected)
	}
}

func TestEvict(t *testing.T) {
	t.Parallel()
	r := New()
	r.MarkSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, "a", 1000)
	r.MarkSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, "b", 9000)
	r.Evict(5000)

	fresh := r.FreshSeen("BTCUSDT", types.MarketFutures, types.BlockFlow, KindRaw, 0)
	if len(fresh) != 1 || fresh[0] != "b" {
		t.Errorf("after evict = %v, want [b]", fresh)
	}
}
