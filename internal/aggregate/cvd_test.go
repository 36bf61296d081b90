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

const (
	s1 = "bybit:trade:futures"
	s2 = "binance:trade:futures"
)

func testAggConfig() config.AggregateConfig {
	return config.AggregateConfig{
		TTL:         10 * time.Second,
		BucketMs:    1000,
		MismatchPct: 50,
		OIBaseline:  "bybit",
		DepthLevels: 10,
		CVD: []config.SourceConfig{
			{StreamID: s1, Weight: 1},
			{StreamID: s2, Weight: 1, SignOverride: -1},
		},
	}
}

func fixedAt(ms int64) types.Clock {
	return func() time.Time { return time.UnixMilli(ms) }
}

func trade(stream string, side types.Side, size float64, ts types.TimeMS) types.TradeEvent {
	return types.TradeEvent{
		Meta:       types.Meta{Source: "test", TsEvent: ts, Ts: ts, TsIngest: ts, StreamID: stream},
		StreamID:   stream,
		Symbol:     "BTCUSDT",
		MarketType: types.MarketFutures,
		Side:       side,
		Size:       size,
		Unit:       types.UnitBase,
		TradeTs:    ts,
	}
}

// Two sources with equal totals, one configured with signOverride=-1:
// the fused CVD is zero and the breakdown shows the adjusted values.
func TestCVDSignOverride(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	agg := NewCVD(b, testAggConfig(), false, fixedAt(10_000), slog.Default())
	agg.Start()
	defer agg.Stop()

	var last *types.CVDAggEvent
	bus.Subscribe(b, bus.TopicCVDFutures, func(e types.CVDAggEvent) { last = &e })

	bus.Publish(b, bus.TopicTrade, trade(s1, types.Buy, 10, 10_000))
	bus.Publish(b, bus.TopicTrade, trade(s2, types.Buy, 10, 10_000))

	require.NotNil(t, last)
	assert.Equal(t, 0.0, last.CVD)
	assert.Equal(t, map[string]float64{s1: 10, s2: -10}, last.VenueBreakdown)
	assert.Equal(t, []string{s2, s1}, last.SourcesUsed) // sorted, binance before bybit
	assert.Equal(t, 2, last.FreshSourcesCount)
}

func TestCVDAccumulatesPerStream(t *testing.T) {
	t.Parallel()
	cfg := testAggConfig()
	cfg.CVD = []config.SourceConfig{{StreamID: s1, Weight: 1}}
	b := bus.New(slog.Default())
	agg := NewCVD(b, cfg, false, fixedAt(10_000), slog.Default())
	agg.Start()
	defer agg.Stop()

	var last *types.CVDAggEvent
	bus.Subscribe(b, bus.TopicCVDFutures, func(e types.CVDAggEvent) { last = &e })

	bus.Publish(b, bus.TopicTrade, trade(s1, types.Buy, 5, 10_000))
	bus.Publish(b, bus.TopicTrade, trade(s1, types.Sell, 2, 10_001))
	bus.Publish(b, bus.TopicTrade, trade(s1, types.Buy, 4, 10_002))

	require.NotNil(t, last)
	assert.InDelta(t, 7.0, last.CVD, 1e-9) // +5 -2 +4
}

func TestCVDBucketEnd(t *testing.T) {
	t.Parallel()
	cfg := testAggConfig()
	cfg.CVD = []config.SourceConfig{{StreamID: s1, Weight: 1}}
	b := bus.New(slog.Default())
	agg := NewCVD(b, cfg, false, fixedAt(10_000), slog.Default())
	agg.Start()
	defer agg.Stop()

	var last *types.CVDAggEvent
	bus.Subscribe(b, bus.TopicCVDFutures, func(e types.CVDAggEvent) { last = &e })

	bus.Publish(b, bus.TopicTrade, trade(s1, types.Buy, 1, 10_500))

	require.NotNil(t, last)
	// bucketEndTs = ceil(10500/1000)*1000
	assert.Equal(t, types.TimeMS(11_000), last.BucketEndTs)
}

func TestCVDIgnoresUnknownMarketTable(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	agg := NewCVD(b, testAggConfig(), false, fixedAt(10_000), slog.Default())
	agg.Start()
	defer agg.Stop()

	var emitted int
	bus.Subscribe(b, bus.TopicCVDFutures, func(types.CVDAggEvent) { emitted++ })
	bus.Subscribe(b, bus.TopicCVDSpot, func(types.CVDAggEvent) { emitted++ })

	evt := trade(s1, types.Buy, 1, 10_000)
	evt.MarketType = types.MarketUnknown
	bus.Publish(b, bus.TopicTrade, evt)

	assert.Zero(t, emitted)
}
