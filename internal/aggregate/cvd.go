package aggregate

import (
	"log/slog"
	"sort"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

// CVD fuses cumulative volume delta across venues, separately per market
// type. Trade side fixes the delta sign (Buy adds size, Sell subtracts);
// per-stream sign overrides and unit multipliers are applied before the
// weighted fusion so venues reporting inverted or contract-denominated
// flow still combine.
type CVD struct {
	b        *bus.Bus
	now      types.Clock
	logger   *slog.Logger
	debug    bool
	bucketMs int64
	th       *throttle

	// One running total table per market type; entries hold the raw
	// (pre-override) cumulative delta per stream.
	totals map[types.MarketType]*table
	subs   []bus.Subscription
}

// NewCVD creates the CVD aggregator.
func NewCVD(b *bus.Bus, cfg config.AggregateConfig, debug bool, now types.Clock, logger *slog.Logger) *CVD {
	opts := optsFromConfig(cfg.CVD)
	ttl := cfg.TTL.Milliseconds()
	return &CVD{
		b:        b,
		now:      now,
		logger:   logger.With("component", "cvd"),
		debug:    debug,
		bucketMs: cfg.BucketMs,
		th:       newThrottle(cfg.MinEmitInterval.Milliseconds()),
		totals: map[types.MarketType]*table{
			types.MarketSpot:    newTable(ttl, opts),
			types.MarketFutures: newTable(ttl, opts),
		},
	}
}

// Start registers the trade subscription.
func (a *CVD) Start() {
	a.subs = append(a.subs, bus.Subscribe(a.b, bus.TopicTrade, a.onTrade))
}

// Stop unsubscribes.
func (a *CVD) Stop() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.subs = nil
}

func (a *CVD) onTrade(evt types.TradeEvent) {
	tbl, ok := a.totals[evt.MarketType]
	if !ok {
		return
	}
	delta := evt.Size
	if evt.Side == types.Sell {
		delta = -delta
	}

	prev := 0.0
	if m := tbl.entries[evt.Symbol]; m != nil {
		if e, ok := m[evt.StreamID]; ok {
			prev = e.value
		}
	}
	tbl.upsert(evt.Symbol, evt.StreamID, prev+delta, evt.Unit, 0, evt.Meta.TsEvent)

	if a.debug {
		a.logger.Debug("cvd input",
			"symbol", evt.Symbol,
			"stream", evt.StreamID,
			"delta", delta,
			"total", prev+delta,
		)
	}
	a.emit(evt.Meta, evt.Symbol, evt.MarketType)
}

func (a *CVD) emit(parent types.Meta, symbol string, market types.MarketType) {
	now := types.NowMS(a.now())
	if !a.th.allow(string(market)+"|"+symbol, now) {
		return
	}
	f := a.totals[market].fuse(symbol, now, nil)
	if f.core.FreshSourcesCount == 0 {
		return
	}
	a.totals[market].confidence(&f.core)

	evt := types.CVDAggEvent{
		Meta:          types.InheritMeta(parent, "cvd", a.now),
		AggregateCore: f.core,
		MarketType:    market,
		CVD:           f.value,
		BucketEndTs:   bucketEnd(parent.TsEvent, a.bucketMs),
	}

	// The per-market topic pairs are aliases kept for downstream
	// back-compat; the combined topic fuses both market types.
	switch market {
	case types.MarketSpot:
		bus.Publish(a.b, bus.TopicCVDSpot, evt)
		bus.Publish(a.b, bus.TopicCVDSpotAgg, evt)
	case types.MarketFutures:
		bus.Publish(a.b, bus.TopicCVDFutures, evt)
		bus.Publish(a.b, bus.TopicCVDFuturesAgg, evt)
	}
	a.emitCombined(parent, symbol, now)
}

// emitCombined publishes the cross-market CVD: the weighted fusion over
// every fresh stream of both market types.
func (a *CVD) emitCombined(parent types.Meta, symbol string, now types.TimeMS) {
	spot := a.totals[types.MarketSpot].fuse(symbol, now, nil)
	fut := a.totals[types.MarketFutures].fuse(symbol, now, nil)

	core := types.AggregateCore{
		Symbol:         symbol,
		VenueBreakdown: map[string]float64{},
		WeightsUsed:    map[string]float64{},
	}
	var weightedSum, weightSum float64
	for _, part := range []struct {
		f   fusion
		tbl *table
	}{{spot, a.totals[types.MarketSpot]}, {fut, a.totals[types.MarketFutures]}} {
		for src, v := range part.f.fresh {
			w := part.tbl.optsFor(src).weight()
			core.SourcesUsed = append(core.SourcesUsed, src)
			core.VenueBreakdown[src] = v
			core.WeightsUsed[src] = w
			weightedSum += w * v
			weightSum += w
		}
		core.StaleSourcesDropped = append(core.StaleSourcesDropped, part.f.core.StaleSourcesDropped...)
	}
	if weightSum == 0 {
		return
	}
	sort.Strings(core.SourcesUsed)
	sort.Strings(core.StaleSourcesDropped)
	core.FreshSourcesCount = len(core.SourcesUsed)
	a.totals[types.MarketSpot].confidence(&core)

	bus.Publish(a.b, bus.TopicCVDAgg, types.CVDAggEvent{
		Meta:          types.InheritMeta(parent, "cvd", a.now),
		AggregateCore: core,
		CVD:           weightedSum / weightSum,
		BucketEndTs:   bucketEnd(parent.TsEvent, a.bucketMs),
	})
}
