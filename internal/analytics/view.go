package analytics

import (
	"log/slog"

	"marketpipe/internal/bus"
	"marketpipe/pkg/types"
)

type viewState struct {
	price        *types.CanonicalPriceEvent
	cvd          *types.CVDAggEvent
	cvdSpot      *types.CVDAggEvent
	cvdFutures   *types.CVDAggEvent
	oi           *types.OIAggEvent
	funding      *types.FundingAggEvent
	liquidity    *types.LiquidityAggEvent
	liquidations *types.LiquidationsAggEvent
	features     *types.FeaturesEvent
	regime       types.Regime
	regimeV2     types.RegimeV2
	confidence   float64
	lastEmit     types.TimeMS
}

// ViewBuilder joins the latest aggregates, features and regime into
// analytics:market_view, keyed to canonical price updates. It also derives
// analytics:flow whenever either CVD side moves.
type ViewBuilder struct {
	b             *bus.Bus
	now           types.Clock
	minIntervalMs int64
	logger        *slog.Logger
	states        map[string]*viewState
	subs          []bus.Subscription
}

// NewViewBuilder creates the market view builder.
func NewViewBuilder(b *bus.Bus, minIntervalMs int64, now types.Clock, logger *slog.Logger) *ViewBuilder {
	return &ViewBuilder{
		b:             b,
		now:           now,
		minIntervalMs: minIntervalMs,
		logger:        logger.With("component", "market_view"),
		states:        make(map[string]*viewState),
	}
}

// Start registers subscriptions.
func (v *ViewBuilder) Start() {
	v.subs = append(v.subs,
		bus.Subscribe(v.b, bus.TopicPriceCanonical, v.onPrice),
		bus.Subscribe(v.b, bus.TopicCVDAgg, v.onCVD),
		bus.Subscribe(v.b, bus.TopicCVDSpot, v.onCVDSpot),
		bus.Subscribe(v.b, bus.TopicCVDFutures, v.onCVDFutures),
		bus.Subscribe(v.b, bus.TopicOIAgg, v.onOI),
		bus.Subscribe(v.b, bus.TopicFundingAgg, v.onFunding),
		bus.Subscribe(v.b, bus.TopicLiquidityAgg, v.onLiquidity),
		bus.Subscribe(v.b, bus.TopicLiquidationsAgg, v.onLiquidations),
		bus.Subscribe(v.b, bus.TopicFeatures, v.onFeatures),
		bus.Subscribe(v.b, bus.TopicContext, v.onContext),
		bus.Subscribe(v.b, bus.TopicMarketDataStatus, v.onStatus),
	)
}

// Stop unsubscribes.
func (v *ViewBuilder) Stop() {
	for _, s := range v.subs {
		s.Unsubscribe()
	}
	v.subs = nil
}

func (v *ViewBuilder) state(symbol string) *viewState {
	st := v.states[symbol]
	if st == nil {
		st = &viewState{regime: types.RegimeUnknown, regimeV2: types.RegimeCalmRange}
		v.states[symbol] = st
	}
	return st
}

func (v *ViewBuilder) onPrice(evt types.CanonicalPriceEvent) {
	st := v.state(evt.Symbol)
	st.price = &evt
	v.emit(evt.Meta, evt.Symbol, st)
}

func (v *ViewBuilder) onCVD(evt types.CVDAggEvent) {
	v.state(evt.Symbol).cvd = &evt
}

func (v *ViewBuilder) onCVDSpot(evt types.CVDAggEvent) {
	st := v.state(evt.Symbol)
	st.cvdSpot = &evt
	v.emitFlow(evt.Meta, evt.Symbol, st)
}

func (v *ViewBuilder) onCVDFutures(evt types.CVDAggEvent) {
	st := v.state(evt.Symbol)
	st.cvdFutures = &evt
	v.emitFlow(evt.Meta, evt.Symbol, st)
}

func (v *ViewBuilder) onOI(evt types.OIAggEvent)                     { v.state(evt.Symbol).oi = &evt }
func (v *ViewBuilder) onFunding(evt types.FundingAggEvent)           { v.state(evt.Symbol).funding = &evt }
func (v *ViewBuilder) onLiquidity(evt types.LiquidityAggEvent)       { v.state(evt.Symbol).liquidity = &evt }
func (v *ViewBuilder) onLiquidations(evt types.LiquidationsAggEvent) { v.state(evt.Symbol).liquidations = &evt }
func (v *ViewBuilder) onFeatures(evt types.FeaturesEvent)            { v.state(evt.Symbol).features = &evt }

func (v *ViewBuilder) onContext(evt types.ContextEvent) {
	st := v.state(evt.Symbol)
	st.regime = evt.Regime
	st.regimeV2 = evt.RegimeV2
}

func (v *ViewBuilder) onStatus(evt types.MarketDataStatus) {
	v.state(evt.Symbol).confidence = evt.OverallConfidence
}

func (v *ViewBuilder) emitFlow(parent types.Meta, symbol string, st *viewState) {
	flow := types.FlowEvent{
		Meta:   types.InheritMeta(parent, "market_view", v.now),
		Symbol: symbol,
	}
	if st.cvdSpot != nil {
		flow.CVDSpot = st.cvdSpot.CVD
		flow.BucketEndTs = st.cvdSpot.BucketEndTs
	}
	if st.cvdFutures != nil {
		flow.CVDFutures = st.cvdFutures.CVD
		if st.cvdFutures.BucketEndTs > flow.BucketEndTs {
			flow.BucketEndTs = st.cvdFutures.BucketEndTs
		}
	}
	bus.Publish(v.b, bus.TopicFlow, flow)
}

func (v *ViewBuilder) emit(parent types.Meta, symbol string, st *viewState) {
	now := types.NowMS(v.now())
	if v.minIntervalMs > 0 && st.lastEmit != 0 && int64(now-st.lastEmit) < v.minIntervalMs {
		return
	}
	st.lastEmit = now

	view := types.MarketViewEvent{
		Meta:         types.InheritMeta(parent, "market_view", v.now),
		Symbol:       symbol,
		CVD:          st.cvd,
		OpenInterest: st.oi,
		Funding:      st.funding,
		Liquidity:    st.liquidity,
		Liquidations: st.liquidations,
		Features:     st.features,
		Regime:       st.regime,
		RegimeV2:     st.regimeV2,
		Confidence:   st.confidence,
	}
	if st.price != nil {
		view.Price = st.price.Price
		view.PriceType = st.price.PriceTypeUsed
	}
	bus.Publish(v.b, bus.TopicMarketView, view)
}
