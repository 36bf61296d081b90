package aggregate

import (
	"log/slog"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

// Canonical price fallback reasons.
const (
	FallbackNoIndex    = "NO_INDEX"
	FallbackIndexStale = "INDEX_STALE"
	FallbackNoMark     = "NO_MARK"
	FallbackMarkStale  = "MARK_STALE"
)

// Confidence downgrade factors per fallback step.
const (
	markDowngrade = 0.9
	lastDowngrade = 0.75
)

// CanonicalPrice fuses index, mark and last prices across venues into the
// single USD reference per symbol, preferring index when fresh, then mark,
// then last. Each downgrade reduces confidence.
type CanonicalPrice struct {
	b           *bus.Bus
	now         types.Clock
	logger      *slog.Logger
	index       *table
	mark        *table
	last        *table
	mismatchPct float64
	th          *throttle
	subs        []bus.Subscription
}

// NewCanonicalPrice creates the canonical price aggregator.
func NewCanonicalPrice(b *bus.Bus, cfg config.AggregateConfig, now types.Clock, logger *slog.Logger) *CanonicalPrice {
	opts := optsFromConfig(cfg.Price)
	ttl := cfg.TTL.Milliseconds()
	return &CanonicalPrice{
		b:           b,
		now:         now,
		logger:      logger.With("component", "price_canonical"),
		index:       newTable(ttl, opts),
		mark:        newTable(ttl, opts),
		last:        newTable(ttl, opts),
		mismatchPct: cfg.MismatchPct,
		th:          newThrottle(cfg.MinEmitInterval.Milliseconds()),
	}
}

// Start registers the ticker subscription.
func (a *CanonicalPrice) Start() {
	a.subs = append(a.subs, bus.Subscribe(a.b, bus.TopicTicker, a.onTicker))
}

// Stop unsubscribes.
func (a *CanonicalPrice) Stop() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.subs = nil
}

func (a *CanonicalPrice) onTicker(evt types.TickerEvent) {
	ts := evt.Meta.TsEvent
	if evt.IndexPrice > 0 {
		a.index.upsert(evt.Symbol, evt.StreamID, evt.IndexPrice, types.UnitUSD, 0, ts)
	}
	if evt.MarkPrice > 0 {
		a.mark.upsert(evt.Symbol, evt.StreamID, evt.MarkPrice, types.UnitUSD, 0, ts)
	}
	if evt.Price > 0 {
		a.last.upsert(evt.Symbol, evt.StreamID, evt.Price, types.UnitUSD, 0, ts)
	}
	a.emit(evt.Meta, evt.Symbol)
}

// emit runs the fallback ladder and publishes the canonical price.
func (a *CanonicalPrice) emit(parent types.Meta, symbol string) {
	now := types.NowMS(a.now())
	if !a.th.allow(symbol, now) {
		return
	}

	idx := a.index.fuse(symbol, now, nil)
	if idx.core.FreshSourcesCount > 0 {
		a.publish(parent, symbol, idx, types.PriceIndex, "", 1.0)
		return
	}

	mk := a.mark.fuse(symbol, now, nil)
	if mk.core.FreshSourcesCount > 0 {
		reason := FallbackNoIndex
		if len(idx.core.StaleSourcesDropped) > 0 {
			reason = FallbackIndexStale
		}
		a.publish(parent, symbol, mk, types.PriceMark, reason, markDowngrade)
		return
	}

	lst := a.last.fuse(symbol, now, nil)
	if lst.core.FreshSourcesCount > 0 {
		reason := FallbackNoMark
		if len(mk.core.StaleSourcesDropped) > 0 {
			reason = FallbackMarkStale
		}
		a.publish(parent, symbol, lst, types.PriceLast, reason, lastDowngrade)
	}
	// Nothing fresh at all: stay silent, readiness will flag PRICE_STALE.
}

func (a *CanonicalPrice) publish(parent types.Meta, symbol string, f fusion, pt types.PriceType, fallbackReason string, downgrade float64) {
	baseline, _ := baselineValue(f.fresh, "median")
	mismatch, _ := detectMismatch(f.fresh, baseline, a.mismatchPct)
	f.core.MismatchDetected = mismatch
	a.index.confidence(&f.core)
	f.core.ConfidenceScore = clamp01(f.core.ConfidenceScore * downgrade)
	if downgrade < 1 && f.core.ConfidenceExplain == "" {
		f.core.ConfidenceExplain = "fallback " + string(pt)
	}

	evt := types.CanonicalPriceEvent{
		Meta:           types.InheritMeta(parent, "price_canonical", a.now),
		AggregateCore:  f.core,
		Price:          f.value,
		PriceTypeUsed:  pt,
		FallbackReason: fallbackReason,
	}
	if mismatch {
		bus.Publish(a.b, bus.TopicMismatch, types.MismatchEvent{
			Meta:     types.InheritMeta(parent, "price_canonical", a.now),
			Topic:    bus.TopicPriceCanonical.Name(),
			Symbol:   symbol,
			Baseline: "median",
			Values:   f.fresh,
		})
	}
	if pt == types.PriceIndex {
		bus.Publish(a.b, bus.TopicPriceIndex, evt)
	}
	bus.Publish(a.b, bus.TopicPriceCanonical, evt)
}
