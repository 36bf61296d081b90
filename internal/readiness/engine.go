package readiness

import (
	"log/slog"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/internal/quality"
	"marketpipe/internal/registry"
	"marketpipe/pkg/types"
)

// symbolState is the per-symbol readiness state. The target market type is
// pinned when the symbol is seeded; events for other market types are
// ignored.
type symbolState struct {
	market    types.MarketType
	startedAt types.TimeMS
	blocks    map[types.Block]*blockState

	lastPriceTs     types.TimeMS
	lastBucketLabel types.TimeMS
	priceSamples    int

	wsDownAt    types.TimeMS
	reconnectAt types.TimeMS
	reflowAt    types.TimeMS // first normalized event after reconnect
	priceStale  bool

	lastStatusKey string
}

// Engine is the combined confidence engine and market-data readiness
// publisher. It resolves expected sources per (symbol, marketType, block),
// applies warmup and staleness policies, and emits
// system:market_data_status on each bucket close or state change.
type Engine struct {
	b      *bus.Bus
	cfg    config.ReadinessConfig
	reg    *registry.Registry
	stale  *quality.StalePolicy
	caps   map[string]float64 // streamID -> trust cap, from aggregate config
	ttlMs  int64
	now    types.Clock
	debug  bool
	logger *slog.Logger

	symbols map[string]*symbolState
	subs    []bus.Subscription
}

// NewEngine creates the readiness engine. Trust caps come from the
// aggregate source configuration so venue limits (e.g. a partial
// liquidation feed) bound block confidence the same way they bound
// aggregate confidence.
func NewEngine(b *bus.Bus, cfg config.ReadinessConfig, agg config.AggregateConfig, reg *registry.Registry, debug bool, now types.Clock, logger *slog.Logger) *Engine {
	caps := make(map[string]float64)
	for _, list := range [][]config.SourceConfig{agg.Price, agg.CVD, agg.OpenInterest, agg.Funding, agg.Liquidations, agg.Liquidity} {
		for _, sc := range list {
			if sc.TrustCap > 0 && sc.TrustCap < 1 {
				caps[sc.StreamID] = sc.TrustCap
			}
		}
	}
	return &Engine{
		b:       b,
		cfg:     cfg,
		reg:     reg,
		stale:   quality.NewStalePolicy(cfg.StaleRules),
		caps:    caps,
		ttlMs:   10_000,
		now:     now,
		debug:   debug,
		logger:  logger.With("component", "readiness"),
		symbols: make(map[string]*symbolState),
	}
}

// Seed pins the target market type for a symbol and installs its expected
// source sets into the registry. Must be called before events flow.
func (e *Engine) Seed(symbol string, market types.MarketType) {
	st := &symbolState{
		market:    market,
		startedAt: types.NowMS(e.now()),
		blocks:    make(map[types.Block]*blockState),
	}
	for _, block := range types.Blocks {
		st.blocks[block] = newBlockState()
	}
	e.symbols[symbol] = st

	for _, exp := range e.cfg.Expected {
		if exp.Symbol != "" && exp.Symbol != symbol {
			continue
		}
		if exp.MarketType != "" && exp.MarketType != market {
			continue
		}
		e.reg.SetExpected(symbol, market, exp.Block, registry.KindAgg, exp.Agg)
		e.reg.SetExpected(symbol, market, exp.Block, registry.KindRaw, exp.Raw)
	}
}

// Start registers subscriptions.
func (e *Engine) Start() {
	e.subs = append(e.subs,
		bus.Subscribe(e.b, bus.TopicTicker, e.onTicker),
		bus.Subscribe(e.b, bus.TopicTrade, e.onTrade),
		bus.Subscribe(e.b, bus.TopicBookTop, e.onBookTop),
		bus.Subscribe(e.b, bus.TopicOpenInterest, e.onOI),
		bus.Subscribe(e.b, bus.TopicFunding, e.onFunding),
		bus.Subscribe(e.b, bus.TopicLiquidation, e.onLiquidation),
		bus.Subscribe(e.b, bus.TopicPriceCanonical, e.onCanonicalPrice),
		bus.Subscribe(e.b, bus.TopicGapDetected, e.onGap),
		bus.Subscribe(e.b, bus.TopicSeqGapOrOutOfOrder, e.onGap),
		bus.Subscribe(e.b, bus.TopicOutOfOrder, e.onOutOfOrder),
		bus.Subscribe(e.b, bus.TopicTimeOutOfOrder, e.onOutOfOrder),
		bus.Subscribe(e.b, bus.TopicLatencySpike, e.onLatency),
		bus.Subscribe(e.b, bus.TopicMismatch, e.onMismatch),
		bus.Subscribe(e.b, bus.TopicSourceDegraded, e.onSourceDegraded),
		bus.Subscribe(e.b, bus.TopicConnected, e.onConnected),
		bus.Subscribe(e.b, bus.TopicDisconnected, e.onDisconnected),
	)
}

// Stop unsubscribes.
func (e *Engine) Stop() {
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.subs = nil
}

// state fetches the seeded state for a symbol, checking the market-type
// pin. Unseeded symbols and non-target market types are ignored.
func (e *Engine) state(symbol string, market types.MarketType) *symbolState {
	st, ok := e.symbols[symbol]
	if !ok {
		return nil
	}
	if market != "" && st.market != "" && market != st.market {
		return nil
	}
	return st
}

func (e *Engine) markRaw(symbol string, market types.MarketType, block types.Block, source string, ts types.TimeMS) *symbolState {
	st := e.state(symbol, market)
	if st == nil {
		return nil
	}
	if st.blocks[block].mark(source, ts) {
		bus.Publish(e.b, bus.TopicSourceRecovered, types.SourceHealthEvent{
			Meta:     types.NewMeta("readiness", e.now),
			StreamID: source,
			Symbol:   symbol,
			Reason:   "reflow",
		})
	}
	e.reg.MarkSeen(symbol, st.market, block, registry.KindRaw, source, ts)
	if st.wsDownAt > 0 && st.reconnectAt > st.wsDownAt && st.reflowAt == 0 {
		st.reflowAt = ts
	}
	return st
}

func (e *Engine) onTicker(evt types.TickerEvent) {
	e.markRaw(evt.Symbol, evt.MarketType, types.BlockPrice, evt.StreamID, evt.Meta.TsEvent)
}

func (e *Engine) onTrade(evt types.TradeEvent) {
	e.markRaw(evt.Symbol, evt.MarketType, types.BlockFlow, evt.StreamID, evt.Meta.TsEvent)
}

func (e *Engine) onBookTop(evt types.BookTopSample) {
	e.markRaw(evt.Symbol, evt.MarketType, types.BlockLiquidity, evt.StreamID, evt.Meta.TsEvent)
}

func (e *Engine) onOI(evt types.OpenInterestEvent) {
	e.markRaw(evt.Symbol, evt.MarketType, types.BlockDerivatives, evt.StreamID, evt.Meta.TsEvent)
}

func (e *Engine) onFunding(evt types.FundingRateEvent) {
	e.markRaw(evt.Symbol, evt.MarketType, types.BlockDerivatives, evt.StreamID, evt.Meta.TsEvent)
}

func (e *Engine) onLiquidation(evt types.LiquidationEvent) {
	e.markRaw(evt.Symbol, evt.MarketType, types.BlockDerivatives, evt.StreamID, evt.Meta.TsEvent)
}

// onCanonicalPrice drives bucketing. The bucket label is
// floor(ts/bucketMs)*bucketMs; crossing into a new label closes the
// previous bucket and emits status.
func (e *Engine) onCanonicalPrice(evt types.CanonicalPriceEvent) {
	st := e.state(evt.Symbol, "")
	if st == nil {
		return
	}
	st.blocks[types.BlockPrice].mark("canonical", evt.Meta.TsEvent)
	e.reg.MarkSeen(evt.Symbol, st.market, types.BlockPrice, registry.KindAgg, "canonical", evt.Meta.TsEvent)
	st.lastPriceTs = evt.Meta.TsEvent
	st.priceSamples++

	label := bucketLabel(evt.Meta.TsEvent, e.cfg.BucketMs)
	if label != st.lastBucketLabel {
		prev := st.lastBucketLabel
		st.lastBucketLabel = label
		if prev != 0 {
			e.evaluate(evt.Meta, evt.Symbol, st, true)
		}
	}
}

// bucketLabel is floor(ts/bucketMs)*bucketMs.
func bucketLabel(ts types.TimeMS, bucketMs int64) types.TimeMS {
	if bucketMs <= 0 {
		return ts
	}
	return types.TimeMS(int64(ts) / bucketMs * bucketMs)
}

// InBucket reports price-vs-flow bucket membership: inclusive of both the
// bucket start and end, so an event landing exactly on the boundary joins
// the closing bucket.
func InBucket(ts, bucketStart types.TimeMS, bucketMs int64) bool {
	return ts >= bucketStart && int64(ts-bucketStart) <= bucketMs
}

func (e *Engine) blockForTopic(topic string) types.Block {
	switch topic {
	case bus.TopicTicker.Name(), bus.TopicPriceCanonical.Name(), bus.TopicPriceIndex.Name():
		return types.BlockPrice
	case bus.TopicTrade.Name(), bus.TopicCVDAgg.Name(), bus.TopicCVDSpot.Name(), bus.TopicCVDFutures.Name(), bus.TopicVolumeAgg.Name():
		return types.BlockFlow
	case bus.TopicOrderbookL2Delta.Name(), bus.TopicOrderbookL2Snapshot.Name(), bus.TopicLiquidityAgg.Name(), bus.TopicBookTop.Name():
		return types.BlockLiquidity
	default:
		return types.BlockDerivatives
	}
}

func (e *Engine) penalize(symbol, topic string, apply func(*penalties, types.TimeMS), parent types.Meta) {
	st := e.state(symbol, "")
	if st == nil {
		return
	}
	block := e.blockForTopic(topic)
	now := types.NowMS(e.now())
	apply(&st.blocks[block].pen, now)
	e.evaluate(parent, symbol, st, false)
}

func (e *Engine) onGap(evt types.GapEvent) {
	e.penalize(evt.Symbol, evt.Topic, func(p *penalties, now types.TimeMS) { p.gapTs = now }, evt.Meta)
}

func (e *Engine) onOutOfOrder(evt types.OutOfOrderEvent) {
	e.penalize(evt.Symbol, evt.Topic, func(p *penalties, now types.TimeMS) { p.seqTs = now }, evt.Meta)
}

func (e *Engine) onLatency(evt types.LatencySpikeEvent) {
	e.penalize(evt.Symbol, evt.Topic, func(p *penalties, now types.TimeMS) { p.lagTs = now }, evt.Meta)
}

func (e *Engine) onMismatch(evt types.MismatchEvent) {
	if evt.Suppressed {
		return
	}
	e.penalize(evt.Symbol, evt.Topic, func(p *penalties, now types.TimeMS) { p.mismatchTs = now }, evt.Meta)
}

func (e *Engine) onSourceDegraded(evt types.SourceHealthEvent) {
	if evt.Reason != "outlier" {
		return
	}
	st := e.state(evt.Symbol, "")
	if st == nil {
		return
	}
	now := types.NowMS(e.now())
	for _, b := range st.blocks {
		if _, ok := b.sources[evt.StreamID]; ok {
			b.pen.outlierTs = now
		}
	}
	e.evaluate(evt.Meta, evt.Symbol, st, false)
}

func (e *Engine) onConnected(evt types.ConnectedEvent) {
	now := types.NowMS(e.now())
	for _, st := range e.symbols {
		if st.wsDownAt > 0 {
			st.reconnectAt = now
			st.reflowAt = 0
		}
	}
}

func (e *Engine) onDisconnected(evt types.DisconnectedEvent) {
	now := types.NowMS(e.now())
	for symbol, st := range e.symbols {
		st.wsDownAt = now
		st.reflowAt = 0
		e.evaluate(evt.Meta, symbol, st, false)
	}
}

// EvaluateNow forces a closed-bucket evaluation pass for one symbol;
// symbols the engine does not track are ignored.
func (e *Engine) EvaluateNow(symbol string) {
	st, ok := e.symbols[symbol]
	if !ok {
		return
	}
	e.evaluate(types.Meta{TsEvent: types.NowMS(e.now())}, symbol, st, true)
}
