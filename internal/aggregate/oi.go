package aggregate

import (
	"log/slog"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

// SuppressionNoComparableUnit is recorded when cross-venue OI comparison
// cannot run because the sources' units share no conversion basis.
const SuppressionNoComparableUnit = "NO_COMPARABLE_UNIT"

// OpenInterest fuses OI across venues in base units. Contract-denominated
// sources convert through their contract size, USD sources through a fresh
// canonical price. Sources with no conversion path are excluded with a
// NON_COMPARABLE reason, and mismatch detection is suppressed for the fuse
// (comparing a partial set would report phantom divergence).
type OpenInterest struct {
	b           *bus.Bus
	now         types.Clock
	logger      *slog.Logger
	tbl         *table
	mismatchPct float64
	baseline    string
	priceTTLMs  int64
	th          *throttle

	// last fresh canonical price per symbol, for usd -> base conversion
	prices map[string]priceRef
	subs   []bus.Subscription
}

type priceRef struct {
	price float64
	ts    types.TimeMS
}

// NewOpenInterest creates the OI aggregator.
func NewOpenInterest(b *bus.Bus, cfg config.AggregateConfig, now types.Clock, logger *slog.Logger) *OpenInterest {
	return &OpenInterest{
		b:           b,
		now:         now,
		logger:      logger.With("component", "oi_agg"),
		tbl:         newTable(cfg.TTL.Milliseconds(), optsFromConfig(cfg.OpenInterest)),
		mismatchPct: cfg.MismatchPct,
		baseline:    cfg.OIBaseline,
		priceTTLMs:  cfg.TTL.Milliseconds(),
		th:          newThrottle(cfg.MinEmitInterval.Milliseconds()),
		prices:      make(map[string]priceRef),
	}
}

// Start registers subscriptions.
func (a *OpenInterest) Start() {
	a.subs = append(a.subs,
		bus.Subscribe(a.b, bus.TopicOpenInterest, a.onOI),
		bus.Subscribe(a.b, bus.TopicPriceCanonical, a.onPrice),
	)
}

// Stop unsubscribes.
func (a *OpenInterest) Stop() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.subs = nil
}

func (a *OpenInterest) onPrice(evt types.CanonicalPriceEvent) {
	a.prices[evt.Symbol] = priceRef{price: evt.Price, ts: evt.Meta.TsEvent}
}

func (a *OpenInterest) onOI(evt types.OpenInterestEvent) {
	a.tbl.upsert(evt.Symbol, evt.StreamID, evt.OpenInterest, evt.Unit, evt.ContractSize, evt.Meta.TsEvent)
	a.emit(evt.Meta, evt.Symbol)
}

// freshPrice returns the canonical price for a symbol when still inside the
// TTL window.
func (a *OpenInterest) freshPrice(symbol string, now types.TimeMS) (float64, bool) {
	ref, ok := a.prices[symbol]
	if !ok || ref.price <= 0 {
		return 0, false
	}
	if a.priceTTLMs > 0 && int64(now-ref.ts) > a.priceTTLMs {
		return 0, false
	}
	return ref.price, true
}

func (a *OpenInterest) emit(parent types.Meta, symbol string) {
	now := types.NowMS(a.now())
	if !a.th.allow(symbol, now) {
		return
	}

	price, havePrice := a.freshPrice(symbol, now)
	convert := func(source string, e *sourceEntry) (float64, bool, string) {
		switch e.unit {
		case types.UnitBase:
			return e.value, true, ""
		case types.UnitContracts:
			if e.extra > 0 {
				return e.value * e.extra, true, ""
			}
			return 0, false, nonComparable(types.UnitContracts)
		case types.UnitUSD:
			if havePrice {
				return e.value / price, true, ""
			}
			return 0, false, nonComparable(types.UnitUSD)
		default:
			return 0, false, nonComparable(e.unit)
		}
	}

	f := a.tbl.fuse(symbol, now, convert)
	if f.core.FreshSourcesCount == 0 && len(f.core.ExcludedSources) == 0 {
		return
	}

	meta := types.InheritMeta(parent, "oi_agg", a.now)
	if len(f.core.ExcludedSources) > 0 {
		// Units are not uniformly comparable: no mismatch verdict.
		bus.Publish(a.b, bus.TopicMismatch, types.MismatchEvent{
			Meta:              meta,
			Topic:             bus.TopicOIAgg.Name(),
			Symbol:            symbol,
			Suppressed:        true,
			SuppressionReason: SuppressionNoComparableUnit,
		})
	} else {
		baseline, baselineName := baselineValue(f.fresh, a.baseline)
		mismatch, dev := detectMismatch(f.fresh, baseline, a.mismatchPct)
		f.core.MismatchDetected = mismatch
		if mismatch {
			bus.Publish(a.b, bus.TopicMismatch, types.MismatchEvent{
				Meta:         meta,
				Topic:        bus.TopicOIAgg.Name(),
				Symbol:       symbol,
				Baseline:     baselineName,
				Values:       f.fresh,
				DeviationPct: dev,
			})
		}
	}

	if f.core.FreshSourcesCount == 0 {
		return
	}
	a.tbl.confidence(&f.core)
	bus.Publish(a.b, bus.TopicOIAgg, types.OIAggEvent{
		Meta:          meta,
		AggregateCore: f.core,
		OpenInterest:  f.value,
		Unit:          types.UnitBase,
	})
}
