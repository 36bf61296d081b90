package aggregate

import (
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/internal/orderbook"
	"marketpipe/pkg/types"
)

const bookStream = "bybit:orderbook:futures"

func liquidityConfig() config.AggregateConfig {
	cfg := testAggConfig()
	cfg.Liquidity = []config.SourceConfig{{StreamID: bookStream, Weight: 1}}
	return cfg
}

func level(price, size string) types.PriceLevel {
	return types.PriceLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func bookSnapshot(updateID types.Seq) types.OrderbookL2Snapshot {
	return types.OrderbookL2Snapshot{
		Meta:       types.Meta{Source: "test", TsEvent: 10_000, Ts: 10_000, TsIngest: 10_000, StreamID: bookStream},
		StreamID:   bookStream,
		Symbol:     "BTCUSDT",
		MarketType: types.MarketFutures,
		UpdateID:   updateID,
		Bids:       []types.PriceLevel{level("50000", "2"), level("49999", "3")},
		Asks:       []types.PriceLevel{level("50001", "1"), level("50002", "4")},
		ExchangeTs: 10_000,
	}
}

// Orderbook engine and liquidity aggregator wired together: after
// market:disconnected no liquidity aggregate is emitted until a fresh
// snapshot arrives.
func TestLiquiditySilentAfterDisconnect(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	engine := orderbook.NewEngine(b, 10, fixedAt(10_000), slog.Default())
	engine.Start()
	defer engine.Stop()
	agg := NewLiquidity(b, liquidityConfig(), fixedAt(10_000), slog.Default())
	agg.Start()
	defer agg.Stop()

	var emitted []types.LiquidityAggEvent
	bus.Subscribe(b, bus.TopicLiquidityAgg, func(e types.LiquidityAggEvent) { emitted = append(emitted, e) })

	bus.Publish(b, bus.TopicOrderbookL2Snapshot, bookSnapshot(10))
	require.Len(t, emitted, 1)

	bus.Publish(b, bus.TopicDisconnected, types.DisconnectedEvent{
		Venue:     "bybit",
		StreamIDs: []string{bookStream},
	})

	// A delta after the disconnect produces nothing.
	bus.Publish(b, bus.TopicOrderbookL2Delta, types.OrderbookL2Delta{
		Meta:         types.Meta{Source: "test", TsEvent: 10_100, Ts: 10_100, StreamID: bookStream},
		StreamID:     bookStream,
		Symbol:       "BTCUSDT",
		MarketType:   types.MarketFutures,
		UpdateID:     11,
		PrevUpdateID: 10,
		Bids:         []types.PriceLevel{level("50000", "5")},
	})
	assert.Len(t, emitted, 1, "no liquidity aggregate may follow a disconnect")

	// A fresh snapshot resumes emission.
	bus.Publish(b, bus.TopicOrderbookL2Snapshot, bookSnapshot(20))
	assert.Len(t, emitted, 2)
}

func TestLiquidityShape(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	engine := orderbook.NewEngine(b, 10, fixedAt(10_000), slog.Default())
	engine.Start()
	defer engine.Stop()
	agg := NewLiquidity(b, liquidityConfig(), fixedAt(10_000), slog.Default())
	agg.Start()
	defer agg.Stop()

	var last *types.LiquidityAggEvent
	bus.Subscribe(b, bus.TopicLiquidityAgg, func(e types.LiquidityAggEvent) { last = &e })

	bus.Publish(b, bus.TopicOrderbookL2Snapshot, bookSnapshot(10))

	require.NotNil(t, last)
	assert.Equal(t, 50_000.0, last.BestBid)
	assert.Equal(t, 50_001.0, last.BestAsk)
	assert.InDelta(t, 1.0, last.Spread, 1e-9)
	assert.InDelta(t, 5.0, last.DepthBid, 1e-9)
	assert.InDelta(t, 5.0, last.DepthAsk, 1e-9)
	assert.InDelta(t, 0.0, last.Imbalance, 1e-9)
	assert.Equal(t, []string{bookStream}, last.SourcesUsed)
}

// Core fuse bookkeeping: sourcesUsed sorted and matching the breakdown
// domain, stale sources TTL-dropped, confidence in [0,1].
func TestFuseCoreInvariants(t *testing.T) {
	t.Parallel()
	tbl := newTable(1000, map[string]SourceOpts{
		"b:x:futures": {Weight: 2},
		"a:x:futures": {Weight: 1},
	})
	tbl.upsert("BTCUSDT", "b:x:futures", 10, types.UnitBase, 0, 10_000)
	tbl.upsert("BTCUSDT", "a:x:futures", 20, types.UnitBase, 0, 10_000)
	tbl.upsert("BTCUSDT", "c:x:futures", 30, types.UnitBase, 0, 5_000) // stale

	f := tbl.fuse("BTCUSDT", 10_500, nil)
	tbl.confidence(&f.core)

	assert.Equal(t, []string{"a:x:futures", "b:x:futures"}, f.core.SourcesUsed)
	assert.Len(t, f.core.VenueBreakdown, len(f.core.SourcesUsed))
	for _, src := range f.core.SourcesUsed {
		_, ok := f.core.VenueBreakdown[src]
		assert.True(t, ok, "sourcesUsed must equal the breakdown domain")
	}
	assert.Equal(t, []string{"c:x:futures"}, f.core.StaleSourcesDropped)
	// Weighted: (1*20 + 2*10) / 3
	assert.InDelta(t, 40.0/3.0, f.value, 1e-9)
	assert.GreaterOrEqual(t, f.core.ConfidenceScore, 0.0)
	assert.LessOrEqual(t, f.core.ConfidenceScore, 1.0)
}

func TestBucketEndCeil(t *testing.T) {
	t.Parallel()
	assert.Equal(t, types.TimeMS(11_000), bucketEnd(10_001, 1000))
	assert.Equal(t, types.TimeMS(10_000), bucketEnd(10_000, 1000))
	assert.Equal(t, types.TimeMS(11_000), bucketEnd(10_999, 1000))
}
