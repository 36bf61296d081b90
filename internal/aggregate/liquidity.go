package aggregate

import (
	"log/slog"
	"sort"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

type liqSample struct {
	bestBid  float64
	bestAsk  float64
	depthBid float64
	depthAsk float64
	ts       types.TimeMS
}

// Liquidity fuses per-stream book-top samples into cross-venue depth,
// best bid/ask, spread and imbalance. Samples only flow while the owning
// orderbook is READY, and the per-stream state here is dropped on
// market:disconnected, so nothing is emitted between a disconnect and the
// next applied snapshot.
type Liquidity struct {
	b           *bus.Bus
	now         types.Clock
	logger      *slog.Logger
	opts        map[string]SourceOpts
	ttlMs       int64
	depthLevels int
	th          *throttle
	samples     map[string]map[string]*liqSample // symbol -> streamID -> sample
	subs        []bus.Subscription
}

// NewLiquidity creates the liquidity aggregator.
func NewLiquidity(b *bus.Bus, cfg config.AggregateConfig, now types.Clock, logger *slog.Logger) *Liquidity {
	return &Liquidity{
		b:           b,
		now:         now,
		logger:      logger.With("component", "liquidity_agg"),
		opts:        optsFromConfig(cfg.Liquidity),
		ttlMs:       cfg.TTL.Milliseconds(),
		depthLevels: cfg.DepthLevels,
		th:          newThrottle(cfg.MinEmitInterval.Milliseconds()),
		samples:     make(map[string]map[string]*liqSample),
	}
}

// Start registers subscriptions.
func (a *Liquidity) Start() {
	a.subs = append(a.subs,
		bus.Subscribe(a.b, bus.TopicBookTop, a.onBookTop),
		bus.Subscribe(a.b, bus.TopicDisconnected, a.onDisconnected),
	)
}

// Stop unsubscribes.
func (a *Liquidity) Stop() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.subs = nil
}

func (a *Liquidity) onBookTop(evt types.BookTopSample) {
	m := a.samples[evt.Symbol]
	if m == nil {
		m = make(map[string]*liqSample)
		a.samples[evt.Symbol] = m
	}
	m[evt.StreamID] = &liqSample{
		bestBid:  evt.BestBid,
		bestAsk:  evt.BestAsk,
		depthBid: evt.DepthBid,
		depthAsk: evt.DepthAsk,
		ts:       evt.Meta.TsEvent,
	}
	a.emit(evt.Meta, evt.Symbol)
}

// onDisconnected drops samples of the affected streams immediately; no
// liquidity aggregate may be derived from a dead book.
func (a *Liquidity) onDisconnected(evt types.DisconnectedEvent) {
	dropped := make(map[string]bool, len(evt.StreamIDs))
	for _, id := range evt.StreamIDs {
		dropped[id] = true
	}
	for _, m := range a.samples {
		for streamID := range m {
			if dropped[streamID] || (len(dropped) == 0 && venueOf(streamID) == evt.Venue) {
				delete(m, streamID)
			}
		}
	}
}

func (a *Liquidity) emit(parent types.Meta, symbol string) {
	now := types.NowMS(a.now())
	if !a.th.allow(symbol, now) {
		return
	}

	core := types.AggregateCore{
		Symbol:         symbol,
		VenueBreakdown: map[string]float64{},
		WeightsUsed:    map[string]float64{},
	}
	var bestBid, bestAsk, depthBid, depthAsk float64
	m := a.samples[symbol]
	for streamID, s := range m {
		if a.ttlMs > 0 && int64(now-s.ts) > a.ttlMs {
			core.StaleSourcesDropped = append(core.StaleSourcesDropped, streamID)
			delete(m, streamID)
			continue
		}
		core.SourcesUsed = append(core.SourcesUsed, streamID)
		core.VenueBreakdown[streamID] = s.depthBid + s.depthAsk
		core.WeightsUsed[streamID] = a.opts[streamID].weight()
		depthBid += s.depthBid
		depthAsk += s.depthAsk
		if bestBid == 0 || s.bestBid > bestBid {
			bestBid = s.bestBid
		}
		if bestAsk == 0 || (s.bestAsk > 0 && s.bestAsk < bestAsk) {
			bestAsk = s.bestAsk
		}
	}
	if len(core.SourcesUsed) == 0 {
		return
	}
	sort.Strings(core.SourcesUsed)
	sort.Strings(core.StaleSourcesDropped)
	core.FreshSourcesCount = len(core.SourcesUsed)

	total := float64(core.FreshSourcesCount + len(core.StaleSourcesDropped))
	core.ConfidenceScore = clamp01(float64(core.FreshSourcesCount) / total)

	var imbalance float64
	if depthBid+depthAsk > 0 {
		imbalance = (depthBid - depthAsk) / (depthBid + depthAsk)
	}

	evt := types.LiquidityAggEvent{
		Meta:          types.InheritMeta(parent, "liquidity_agg", a.now),
		AggregateCore: core,
		BestBid:       bestBid,
		BestAsk:       bestAsk,
		Spread:        bestAsk - bestBid,
		DepthBid:      depthBid,
		DepthAsk:      depthAsk,
		Imbalance:     imbalance,
		DepthLevels:   a.depthLevels,
	}
	bus.Publish(a.b, bus.TopicLiquidityAgg, evt)
	bus.Publish(a.b, bus.TopicLiquidity, evt)
}
