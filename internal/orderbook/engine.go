package orderbook

import (
	"log/slog"
	"strings"

	"marketpipe/internal/bus"
	"marketpipe/pkg/types"
)

// Engine owns all books and is the only component that mutates them.
// It subscribes to the normalized orderbook topics, enforces the state
// machine, requests resyncs on gaps, and publishes per-stream book-top
// samples for the liquidity aggregator.
type Engine struct {
	b      *bus.Bus
	depth  int
	now    types.Clock
	logger *slog.Logger

	books map[string]*Book // key = streamID + "|" + symbol
	subs  []bus.Subscription
}

// NewEngine creates the orderbook engine.
func NewEngine(b *bus.Bus, depth int, now types.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		b:      b,
		depth:  depth,
		now:    now,
		logger: logger.With("component", "orderbook"),
		books:  make(map[string]*Book),
	}
}

// Start registers the engine's subscriptions.
func (e *Engine) Start() {
	e.subs = append(e.subs,
		bus.Subscribe(e.b, bus.TopicOrderbookL2Snapshot, e.onSnapshot),
		bus.Subscribe(e.b, bus.TopicOrderbookL2Delta, e.onDelta),
		bus.Subscribe(e.b, bus.TopicDisconnected, e.onDisconnected),
	)
}

// Stop unsubscribes all handlers; subsequent inputs are ignored.
func (e *Engine) Stop() {
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.subs = nil
}

func bookKey(streamID, symbol string) string { return streamID + "|" + symbol }

func (e *Engine) book(streamID, symbol string) *Book {
	key := bookKey(streamID, symbol)
	bk, ok := e.books[key]
	if !ok {
		bk = NewBook(streamID, symbol)
		e.books[key] = bk
	}
	return bk
}

// BookState reports the lifecycle state for tests and diagnostics.
func (e *Engine) BookState(streamID, symbol string) State {
	bk, ok := e.books[bookKey(streamID, symbol)]
	if !ok {
		return StateUninitialized
	}
	return bk.State()
}

func (e *Engine) onSnapshot(snap types.OrderbookL2Snapshot) {
	bk := e.book(snap.StreamID, snap.Symbol)
	bk.ApplySnapshot(snap)
	e.emitTop(bk, snap.Meta, snap.Symbol, snap.MarketType, snap.ExchangeTs)
}

func (e *Engine) onDelta(delta types.OrderbookL2Delta) {
	bk := e.book(delta.StreamID, delta.Symbol)
	switch bk.ApplyDelta(delta) {
	case Applied:
		e.emitTop(bk, delta.Meta, delta.Symbol, delta.MarketType, delta.ExchangeTs)
	case GapDetected:
		e.logger.Warn("orderbook gap, requesting resync",
			"stream", delta.StreamID,
			"symbol", delta.Symbol,
			"update_id", delta.UpdateID,
		)
		bus.Publish(e.b, bus.TopicResyncRequested, types.ResyncRequest{
			Meta:     types.InheritMeta(delta.Meta, "orderbook", e.now),
			Venue:    venueOf(delta.StreamID),
			StreamID: delta.StreamID,
			Symbol:   delta.Symbol,
			Reason:   "gap",
			LastSeq:  delta.UpdateID,
		})
	case Duplicate:
		bus.Publish(e.b, bus.TopicDuplicateDetected, types.DuplicateEvent{
			Meta:     types.InheritMeta(delta.Meta, "orderbook", e.now),
			StreamID: delta.StreamID,
			Topic:    bus.TopicOrderbookL2Delta.Name(),
			Symbol:   delta.Symbol,
			Seq:      delta.UpdateID,
		})
	case Ignored:
		// UNINITIALIZED or RESYNCING: wait for a snapshot.
	}
}

// onDisconnected clears every book bound to the dropped streams. Books fall
// back to UNINITIALIZED so deltas are ignored until a new snapshot.
func (e *Engine) onDisconnected(evt types.DisconnectedEvent) {
	dropped := make(map[string]bool, len(evt.StreamIDs))
	for _, id := range evt.StreamIDs {
		dropped[id] = true
	}
	for key, bk := range e.books {
		streamID := key[:strings.IndexByte(key, '|')]
		if dropped[streamID] || (len(dropped) == 0 && venueOf(streamID) == evt.Venue) {
			bk.Reset()
		}
	}
}

func (e *Engine) emitTop(bk *Book, parent types.Meta, symbol string, market types.MarketType, exchangeTs types.TimeMS) {
	top := bk.Top(e.depth)
	if !top.OK {
		return
	}
	bestBid, _ := top.BestBid.Float64()
	bestAsk, _ := top.BestAsk.Float64()
	depthBid, _ := top.DepthBid.Float64()
	depthAsk, _ := top.DepthAsk.Float64()
	bus.Publish(e.b, bus.TopicBookTop, types.BookTopSample{
		Meta:       types.InheritMeta(parent, "orderbook", e.now),
		StreamID:   bk.streamID,
		Symbol:     symbol,
		MarketType: market,
		BestBid:    bestBid,
		BestAsk:    bestAsk,
		DepthBid:   depthBid,
		DepthAsk:   depthAsk,
		Levels:     e.depth,
		ExchangeTs: exchangeTs,
	})
}

// venueOf extracts the venue segment of a streamId (venue:channel:market).
func venueOf(streamID string) string {
	if i := strings.IndexByte(streamID, ':'); i > 0 {
		return streamID[:i]
	}
	return streamID
}
