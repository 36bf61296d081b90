package aggregate

import (
	"log/slog"
	"sort"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

type liqBucket struct {
	endTs        types.TimeMS
	count        int
	buyCount     int
	sellCount    int
	notional     float64
	buyNotional  float64
	sellNotional float64
	sources      map[string]float64 // per-source notional contribution
	excluded     map[string]string
}

// Liquidations aggregates forced liquidations into fixed buckets with side
// breakdown. Buckets close when an input lands past the bucket end
// (bucketEndTs = ceil(t/bucketMs)*bucketMs). Notional is unit-aware:
// sources whose unit has no USD conversion contribute to counts but are
// excluded from notional with a recorded reason.
type Liquidations struct {
	b        *bus.Bus
	now      types.Clock
	logger   *slog.Logger
	opts     map[string]SourceOpts
	bucketMs int64
	buckets  map[string]*liqBucket // per symbol
	subs     []bus.Subscription
}

// NewLiquidations creates the liquidations aggregator.
func NewLiquidations(b *bus.Bus, cfg config.AggregateConfig, now types.Clock, logger *slog.Logger) *Liquidations {
	return &Liquidations{
		b:        b,
		now:      now,
		logger:   logger.With("component", "liquidations_agg"),
		opts:     optsFromConfig(cfg.Liquidations),
		bucketMs: cfg.BucketMs,
		buckets:  make(map[string]*liqBucket),
	}
}

// Start registers the liquidation subscription.
func (a *Liquidations) Start() {
	a.subs = append(a.subs, bus.Subscribe(a.b, bus.TopicLiquidation, a.onLiquidation))
}

// Stop unsubscribes and flushes open buckets.
func (a *Liquidations) Stop() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.subs = nil
	for symbol, bucket := range a.buckets {
		a.emit(types.Meta{TsEvent: bucket.endTs, Ts: bucket.endTs}, symbol, bucket)
		delete(a.buckets, symbol)
	}
}

// notionalOf derives the USD notional of one print, if derivable.
func notionalOf(evt types.LiquidationEvent) (float64, bool) {
	if evt.Notional > 0 {
		return evt.Notional, true
	}
	switch evt.Unit {
	case types.UnitUSD:
		return evt.Qty, true
	case types.UnitBase:
		if evt.Price > 0 {
			return evt.Qty * evt.Price, true
		}
	}
	return 0, false
}

func (a *Liquidations) onLiquidation(evt types.LiquidationEvent) {
	end := bucketEnd(evt.Meta.TsEvent, a.bucketMs)
	bucket := a.buckets[evt.Symbol]
	if bucket != nil && end > bucket.endTs {
		a.emit(evt.Meta, evt.Symbol, bucket)
		bucket = nil
	}
	if bucket == nil {
		bucket = &liqBucket{
			endTs:   end,
			sources: make(map[string]float64),
		}
		a.buckets[evt.Symbol] = bucket
	}

	bucket.count++
	if evt.Side == types.Buy {
		bucket.buyCount++
	} else {
		bucket.sellCount++
	}

	notional, ok := notionalOf(evt)
	if !ok {
		if bucket.excluded == nil {
			bucket.excluded = make(map[string]string)
		}
		bucket.excluded[evt.StreamID] = nonComparable(evt.Unit)
		bucket.sources[evt.StreamID] += 0
		return
	}
	mult := a.opts[evt.StreamID].multiplier()
	notional *= mult
	if notional < 0 {
		notional = -notional
	}
	bucket.sources[evt.StreamID] += notional
	bucket.notional += notional
	if evt.Side == types.Buy {
		bucket.buyNotional += notional
	} else {
		bucket.sellNotional += notional
	}
}

func (a *Liquidations) emit(parent types.Meta, symbol string, bucket *liqBucket) {
	core := types.AggregateCore{
		Symbol:          symbol,
		VenueBreakdown:  bucket.sources,
		WeightsUsed:     map[string]float64{},
		ExcludedSources: bucket.excluded,
	}
	for src := range bucket.sources {
		core.SourcesUsed = append(core.SourcesUsed, src)
		core.WeightsUsed[src] = a.opts[src].weight()
	}
	sort.Strings(core.SourcesUsed)
	core.FreshSourcesCount = len(core.SourcesUsed)

	// Trust caps (e.g. a venue publishing only partial liquidation feeds)
	// bound the score; freshness inside a closed bucket is definitionally 1.
	score := 1.0
	var explain string
	for _, src := range core.SourcesUsed {
		opts := a.opts[src]
		if c := opts.trustCap(); c < score {
			score = c
			explain = opts.TrustCapReason
		}
	}
	core.ConfidenceScore = score
	core.ConfidenceExplain = explain

	bus.Publish(a.b, bus.TopicLiquidationsAgg, types.LiquidationsAggEvent{
		Meta:          types.InheritMeta(parent, "liquidations_agg", a.now),
		AggregateCore: core,
		BucketEndTs:   bucket.endTs,
		Count:         bucket.count,
		BuyCount:      bucket.buyCount,
		SellCount:     bucket.sellCount,
		NotionalUSD:   bucket.notional,
		BuyNotional:   bucket.buyNotional,
		SellNotional:  bucket.sellNotional,
	})
}
