package aggregate

import (
	"log/slog"
	"sort"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

type volBucket struct {
	endTs      types.TimeMS
	volume     float64
	buyVolume  float64
	sellVolume float64
	sources    map[string]float64
}

// Volume aggregates traded volume into fixed buckets across venues, split
// by taker side. Shares the CVD source configuration (same streams feed
// both).
type Volume struct {
	b        *bus.Bus
	now      types.Clock
	logger   *slog.Logger
	opts     map[string]SourceOpts
	bucketMs int64
	buckets  map[string]*volBucket
	subs     []bus.Subscription
}

// NewVolume creates the volume aggregator.
func NewVolume(b *bus.Bus, cfg config.AggregateConfig, now types.Clock, logger *slog.Logger) *Volume {
	return &Volume{
		b:        b,
		now:      now,
		logger:   logger.With("component", "volume_agg"),
		opts:     optsFromConfig(cfg.CVD),
		bucketMs: cfg.BucketMs,
		buckets:  make(map[string]*volBucket),
	}
}

// Start registers the trade subscription.
func (a *Volume) Start() {
	a.subs = append(a.subs, bus.Subscribe(a.b, bus.TopicTrade, a.onTrade))
}

// Stop unsubscribes and flushes open buckets.
func (a *Volume) Stop() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.subs = nil
	for symbol, bucket := range a.buckets {
		a.emit(types.Meta{TsEvent: bucket.endTs, Ts: bucket.endTs}, symbol, bucket)
		delete(a.buckets, symbol)
	}
}

func (a *Volume) onTrade(evt types.TradeEvent) {
	end := bucketEnd(evt.Meta.TsEvent, a.bucketMs)
	bucket := a.buckets[evt.Symbol]
	if bucket != nil && end > bucket.endTs {
		a.emit(evt.Meta, evt.Symbol, bucket)
		bucket = nil
	}
	if bucket == nil {
		bucket = &volBucket{endTs: end, sources: make(map[string]float64)}
		a.buckets[evt.Symbol] = bucket
	}

	size := evt.Size
	if m := a.opts[evt.StreamID].UnitMultiplier; m != 0 {
		size *= m
	}
	bucket.volume += size
	bucket.sources[evt.StreamID] += size
	if evt.Side == types.Buy {
		bucket.buyVolume += size
	} else {
		bucket.sellVolume += size
	}
}

func (a *Volume) emit(parent types.Meta, symbol string, bucket *volBucket) {
	core := types.AggregateCore{
		Symbol:         symbol,
		VenueBreakdown: bucket.sources,
		WeightsUsed:    map[string]float64{},
	}
	for src := range bucket.sources {
		core.SourcesUsed = append(core.SourcesUsed, src)
		core.WeightsUsed[src] = a.opts[src].weight()
	}
	sort.Strings(core.SourcesUsed)
	core.FreshSourcesCount = len(core.SourcesUsed)
	core.ConfidenceScore = 1

	bus.Publish(a.b, bus.TopicVolumeAgg, types.VolumeAggEvent{
		Meta:          types.InheritMeta(parent, "volume_agg", a.now),
		AggregateCore: core,
		BucketEndTs:   bucket.endTs,
		Volume:        bucket.volume,
		BuyVolume:     bucket.buyVolume,
		SellVolume:    bucket.sellVolume,
	})
}
