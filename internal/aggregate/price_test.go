package aggregate

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

const priceStream = "bybit:ticker:futures"

type movingClock struct {
	ms int64
}

func (c *movingClock) Now() time.Time { return time.UnixMilli(c.ms) }

func priceConfig() config.AggregateConfig {
	cfg := testAggConfig()
	cfg.Price = []config.SourceConfig{{StreamID: priceStream, Weight: 1}}
	return cfg
}

func ticker(ts types.TimeMS, index, mark, last float64) types.TickerEvent {
	return types.TickerEvent{
		Meta:       types.Meta{Source: "test", TsEvent: ts, Ts: ts, TsIngest: ts, StreamID: priceStream},
		StreamID:   priceStream,
		Symbol:     "BTCUSDT",
		MarketType: types.MarketFutures,
		IndexPrice: index,
		MarkPrice:  mark,
		Price:      last,
	}
}

// Fallback ladder: fresh index wins outright.
func TestCanonicalPriceIndexPreferred(t *testing.T) {
	t.Parallel()
	clock := &movingClock{ms: 10_000}
	b := bus.New(slog.Default())
	agg := NewCanonicalPrice(b, priceConfig(), clock.Now, slog.Default())
	agg.Start()
	defer agg.Stop()

	var last *types.CanonicalPriceEvent
	bus.Subscribe(b, bus.TopicPriceCanonical, func(e types.CanonicalPriceEvent) { last = &e })
	var indexed int
	bus.Subscribe(b, bus.TopicPriceIndex, func(types.CanonicalPriceEvent) { indexed++ })

	bus.Publish(b, bus.TopicTicker, ticker(10_000, 50_000, 50_010, 50_020))

	require.NotNil(t, last)
	assert.Equal(t, types.PriceIndex, last.PriceTypeUsed)
	assert.Empty(t, last.FallbackReason)
	assert.Equal(t, 50_000.0, last.Price)
	assert.Equal(t, 1, indexed)
}

// Stale index + fresh mark falls back with INDEX_STALE.
func TestCanonicalPriceIndexStaleFallsToMark(t *testing.T) {
	t.Parallel()
	clock := &movingClock{ms: 10_000}
	b := bus.New(slog.Default())
	agg := NewCanonicalPrice(b, priceConfig(), clock.Now, slog.Default())
	agg.Start()
	defer agg.Stop()

	var last *types.CanonicalPriceEvent
	bus.Subscribe(b, bus.TopicPriceCanonical, func(e types.CanonicalPriceEvent) { last = &e })

	// Seed an index sample, then let it age past the TTL.
	bus.Publish(b, bus.TopicTicker, ticker(10_000, 50_000, 0, 0))
	clock.ms = 25_000

	// Fresh mark only.
	bus.Publish(b, bus.TopicTicker, ticker(25_000, 0, 50_010, 0))

	require.NotNil(t, last)
	assert.Equal(t, types.PriceMark, last.PriceTypeUsed)
	assert.Equal(t, FallbackIndexStale, last.FallbackReason)
	assert.Equal(t, 50_010.0, last.Price)
}

// Stale mark + fresh last falls to last with MARK_STALE and reduced
// confidence.
func TestCanonicalPriceMarkStaleFallsToLast(t *testing.T) {
	t.Parallel()
	clock := &movingClock{ms: 10_000}
	b := bus.New(slog.Default())
	agg := NewCanonicalPrice(b, priceConfig(), clock.Now, slog.Default())
	agg.Start()
	defer agg.Stop()

	var last *types.CanonicalPriceEvent
	bus.Subscribe(b, bus.TopicPriceCanonical, func(e types.CanonicalPriceEvent) { last = &e })

	bus.Publish(b, bus.TopicTicker, ticker(10_000, 0, 50_010, 0))
	clock.ms = 25_000
	bus.Publish(b, bus.TopicTicker, ticker(25_000, 0, 0, 50_020))

	require.NotNil(t, last)
	assert.Equal(t, types.PriceLast, last.PriceTypeUsed)
	assert.Equal(t, FallbackMarkStale, last.FallbackReason)
	assert.Less(t, last.ConfidenceScore, 1.0)
	assert.GreaterOrEqual(t, last.ConfidenceScore, 0.0)
}

// No index ever seen: reason is NO_INDEX, not INDEX_STALE.
func TestCanonicalPriceNoIndexReason(t *testing.T) {
	t.Parallel()
	clock := &movingClock{ms: 10_000}
	b := bus.New(slog.Default())
	agg := NewCanonicalPrice(b, priceConfig(), clock.Now, slog.Default())
	agg.Start()
	defer agg.Stop()

	var last *types.CanonicalPriceEvent
	bus.Subscribe(b, bus.TopicPriceCanonical, func(e types.CanonicalPriceEvent) { last = &e })

	bus.Publish(b, bus.TopicTicker, ticker(10_000, 0, 50_010, 0))

	require.NotNil(t, last)
	assert.Equal(t, types.PriceMark, last.PriceTypeUsed)
	assert.Equal(t, FallbackNoIndex, last.FallbackReason)
}

func TestCanonicalPriceSilentWhenNothingFresh(t *testing.T) {
	t.Parallel()
	clock := &movingClock{ms: 10_000}
	b := bus.New(slog.Default())
	agg := NewCanonicalPrice(b, priceConfig(), clock.Now, slog.Default())
	agg.Start()
	defer agg.Stop()

	var emitted int
	bus.Subscribe(b, bus.TopicPriceCanonical, func(types.CanonicalPriceEvent) { emitted++ })

	bus.Publish(b, bus.TopicTicker, ticker(10_000, 50_000, 0, 0))
	require.Equal(t, 1, emitted)

	// Everything aged out: a zero-price tick refreshes nothing.
	clock.ms = 60_000
	bus.Publish(b, bus.TopicTicker, ticker(60_000, 0, 0, 0))
	assert.Equal(t, 1, emitted)
}
