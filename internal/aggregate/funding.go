package aggregate

import (
	"log/slog"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

// Funding fuses funding rates as the weighted mean over fresh sources.
// Rates are dimensionless so no unit filtering applies. Inputs missing an
// ingest timestamp are stamped with the local clock before freshness
// bookkeeping.
type Funding struct {
	b      *bus.Bus
	now    types.Clock
	logger *slog.Logger
	tbl    *table
	th     *throttle
	subs   []bus.Subscription
}

// NewFunding creates the funding aggregator.
func NewFunding(b *bus.Bus, cfg config.AggregateConfig, now types.Clock, logger *slog.Logger) *Funding {
	return &Funding{
		b:      b,
		now:    now,
		logger: logger.With("component", "funding_agg"),
		tbl:    newTable(cfg.TTL.Milliseconds(), optsFromConfig(cfg.Funding)),
		th:     newThrottle(cfg.MinEmitInterval.Milliseconds()),
	}
}

// Start registers the funding subscription.
func (a *Funding) Start() {
	a.subs = append(a.subs, bus.Subscribe(a.b, bus.TopicFunding, a.onFunding))
}

// Stop unsubscribes.
func (a *Funding) Stop() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.subs = nil
}

func (a *Funding) onFunding(evt types.FundingRateEvent) {
	ts := evt.Meta.TsIngest
	if ts == 0 {
		ts = types.NowMS(a.now())
	}
	a.tbl.upsert(evt.Symbol, evt.StreamID, evt.Rate, "", 0, ts)

	now := types.NowMS(a.now())
	if !a.th.allow(evt.Symbol, now) {
		return
	}
	f := a.tbl.fuse(evt.Symbol, now, nil)
	if f.core.FreshSourcesCount == 0 {
		return
	}
	a.tbl.confidence(&f.core)
	bus.Publish(a.b, bus.TopicFundingAgg, types.FundingAggEvent{
		Meta:          types.InheritMeta(evt.Meta, "funding_agg", a.now),
		AggregateCore: f.core,
		Rate:          f.value,
	})
}
