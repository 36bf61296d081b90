// Package ingress converts decoded venue messages into normalized bus
// events, enforcing the normalization invariants:
//
//   - market type must be spot or futures, never coerced;
//   - every event carries a streamId, with meta.streamId matching;
//   - tsEvent comes from venue time when present, else the ingest clock,
//     and tsIngest is always the local receive time;
//   - venue sequence fields are coerced to one numeric sequence, with real
//     gaps turning into market:resync_requested.
package ingress

import (
	"fmt"
	"log/slog"

	"marketpipe/internal/bus"
	"marketpipe/pkg/types"
)

// Decoded is the venue-agnostic result of decoding one raw frame. Decoders
// fill canonical symbols and venue times; the normalizer owns meta,
// streamId and sequence bookkeeping.
type Decoded struct {
	Tickers      []types.TickerEvent
	Klines       []types.KlineEvent
	Trades       []types.TradeEvent
	Snapshots    []types.OrderbookL2Snapshot
	Deltas       []types.OrderbookL2Delta
	OIs          []types.OpenInterestEvent
	Fundings     []types.FundingRateEvent
	Liquidations []types.LiquidationEvent
}

// Decoder turns one venue's raw frames into Decoded events.
type Decoder interface {
	Venue() string
	// Decode handles one raw frame for the given channel class
	// (trade, orderbook_snapshot, orderbook_delta, ticker, kline, oi,
	// funding, liquidation).
	Decode(channel string, raw types.RawMessage) (Decoded, error)
}

// Normalizer binds one venue decoder to the raw topics and publishes
// normalized events. Per-stream sequence state detects gaps and
// duplicates at the earliest possible point.
type Normalizer struct {
	b       *bus.Bus
	dec     Decoder
	now     types.Clock
	logger  *slog.Logger
	lastSeq map[string]types.Seq // streamID|symbol -> last sequence
	subs    []bus.Subscription
}

// NewNormalizer creates a normalizer for one venue.
func NewNormalizer(b *bus.Bus, dec Decoder, now types.Clock, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		b:       b,
		dec:     dec,
		now:     now,
		logger:  logger.With("component", "ingress_"+dec.Venue()),
		lastSeq: make(map[string]types.Seq),
	}
}

// Start registers raw-topic subscriptions.
func (n *Normalizer) Start() {
	type binding struct {
		topic   bus.Topic[types.RawMessage]
		channel string
	}
	for _, bind := range []binding{
		{bus.TopicTradeRaw, "trade"},
		{bus.TopicOrderbookSnapshotRaw, "orderbook_snapshot"},
		{bus.TopicOrderbookDeltaRaw, "orderbook_delta"},
		{bus.TopicCandleRaw, "kline"},
		{bus.TopicMarkPriceRaw, "ticker"},
		{bus.TopicIndexPriceRaw, "ticker"},
		{bus.TopicOpenInterestRaw, "oi"},
		{bus.TopicFundingRaw, "funding"},
		{bus.TopicLiquidationRaw, "liquidation"},
	} {
		channel := bind.channel
		n.subs = append(n.subs, bus.Subscribe(n.b, bind.topic, func(raw types.RawMessage) {
			n.handle(channel, raw)
		}))
	}
}

// Stop unsubscribes.
func (n *Normalizer) Stop() {
	for _, s := range n.subs {
		s.Unsubscribe()
	}
	n.subs = nil
}

// StreamID builds the stream identity: venue + channel class + market type.
func StreamID(venue, channel string, market types.MarketType) string {
	return fmt.Sprintf("%s:%s:%s", venue, channel, market)
}

// Handle processes one raw frame. Exported for tests and for gateways that
// bypass the raw topics.
func (n *Normalizer) Handle(channel string, raw types.RawMessage) {
	n.handle(channel, raw)
}

func (n *Normalizer) handle(channel string, raw types.RawMessage) {
	if raw.Venue != n.dec.Venue() {
		return
	}
	if !raw.MarketType.Valid() {
		n.logger.Warn("dropping event with unknown market type",
			"venue", raw.Venue,
			"channel", raw.Channel,
		)
		return
	}

	decoded, err := n.dec.Decode(channel, raw)
	if err != nil {
		n.logger.Warn("decode failed",
			"venue", raw.Venue,
			"channel", raw.Channel,
			"error", err,
		)
		return
	}

	ingest := raw.ReceivedAt
	if ingest == 0 {
		ingest = types.NowMS(n.now())
	}

	for i := range decoded.Tickers {
		e := &decoded.Tickers[i]
		n.finish(&e.Meta, &e.StreamID, e.Symbol, "ticker", raw, e.Meta.TsExchange, 0, ingest)
		e.MarketType = raw.MarketType
		bus.Publish(n.b, bus.TopicTicker, *e)
	}
	for i := range decoded.Klines {
		e := &decoded.Klines[i]
		n.finish(&e.Meta, &e.StreamID, e.Symbol, "kline", raw, e.EndTs, 0, ingest)
		e.MarketType = raw.MarketType
		bus.Publish(n.b, bus.TopicKline, *e)
	}
	for i := range decoded.Trades {
		e := &decoded.Trades[i]
		n.finish(&e.Meta, &e.StreamID, e.Symbol, "trade", raw, e.TradeTs, e.Meta.Sequence, ingest)
		e.MarketType = raw.MarketType
		bus.Publish(n.b, bus.TopicTrade, *e)
	}
	for i := range decoded.Snapshots {
		e := &decoded.Snapshots[i]
		n.finish(&e.Meta, &e.StreamID, e.Symbol, "orderbook", raw, e.ExchangeTs, e.UpdateID, ingest)
		e.MarketType = raw.MarketType
		n.lastSeq[e.StreamID+"|"+e.Symbol] = e.UpdateID
		bus.Publish(n.b, bus.TopicOrderbookL2Snapshot, *e)
	}
	for i := range decoded.Deltas {
		e := &decoded.Deltas[i]
		n.finish(&e.Meta, &e.StreamID, e.Symbol, "orderbook", raw, e.ExchangeTs, e.UpdateID, ingest)
		e.MarketType = raw.MarketType
		n.checkDeltaSeq(e)
		bus.Publish(n.b, bus.TopicOrderbookL2Delta, *e)
	}
	for i := range decoded.OIs {
		e := &decoded.OIs[i]
		n.finish(&e.Meta, &e.StreamID, e.Symbol, "oi", raw, e.Meta.TsExchange, 0, ingest)
		e.MarketType = raw.MarketType
		bus.Publish(n.b, bus.TopicOpenInterest, *e)
	}
	for i := range decoded.Fundings {
		e := &decoded.Fundings[i]
		n.finish(&e.Meta, &e.StreamID, e.Symbol, "funding", raw, e.Meta.TsExchange, 0, ingest)
		e.MarketType = raw.MarketType
		bus.Publish(n.b, bus.TopicFunding, *e)
	}
	for i := range decoded.Liquidations {
		e := &decoded.Liquidations[i]
		n.finish(&e.Meta, &e.StreamID, e.Symbol, "liquidation", raw, e.Meta.TsExchange, 0, ingest)
		e.MarketType = raw.MarketType
		bus.Publish(n.b, bus.TopicLiquidation, *e)
	}
}

// finish stamps meta and stream identity. tsEvent uses the venue time when
// present, else the ingest clock.
func (n *Normalizer) finish(meta *types.Meta, streamID *string, symbol, channel string, raw types.RawMessage, venueTs types.TimeMS, seq types.Seq, ingest types.TimeMS) {
	id := StreamID(raw.Venue, channel, raw.MarketType)
	*streamID = id

	tsEvent := venueTs
	if tsEvent == 0 {
		tsEvent = ingest
	}
	opts := []types.MetaOpt{
		types.WithTsEvent(tsEvent),
		types.WithTsIngest(ingest),
		types.WithStreamID(id),
	}
	if venueTs > 0 {
		opts = append(opts, types.WithTsExchange(venueTs))
	}
	if seq > 0 {
		opts = append(opts, types.WithSequence(seq))
	}
	if raw.Meta.CorrelationID != "" {
		opts = append(opts, types.WithCorrelationID(raw.Meta.CorrelationID))
	}
	*meta = types.NewMeta("ingress_"+raw.Venue, n.now, opts...)
}

// checkDeltaSeq detects orderbook gaps at ingress. A rename (same id) is a
// duplicate, not a gap; only a real forward jump triggers a resync.
func (n *Normalizer) checkDeltaSeq(e *types.OrderbookL2Delta) {
	key := e.StreamID + "|" + e.Symbol
	last, seen := n.lastSeq[key]
	if seen && e.PrevUpdateID > 0 && e.PrevUpdateID != last && e.UpdateID > last+1 {
		bus.Publish(n.b, bus.TopicResyncRequested, types.ResyncRequest{
			Meta:     types.InheritMeta(e.Meta, "ingress_"+n.dec.Venue(), n.now),
			Venue:    n.dec.Venue(),
			StreamID: e.StreamID,
			Symbol:   e.Symbol,
			Reason:   "gap",
			LastSeq:  last,
		})
	}
	if e.UpdateID > last {
		n.lastSeq[key] = e.UpdateID
	}
}
