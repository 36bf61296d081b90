// wsfeed.go implements the websocket transport for one (venue, marketType)
// pair.
//
// The feed auto-reconnects with exponential backoff (1s up to the
// configured max) and re-issues exactly the currently-desired subscriptions
// on reconnection. A read deadline detects silent server failures. Inbound
// frames are classified by the venue dialect and injected as raw events
// through the dispatcher, so all decoding happens on the dispatch
// goroutine.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketpipe/internal/bus"
	"marketpipe/pkg/types"
)

// WSFeed manages a single venue websocket connection.
type WSFeed struct {
	url        string
	venue      string
	market     types.MarketType
	dialect    Dialect
	b          *bus.Bus
	enqueue    func(fn func())
	now        types.Clock
	logger     *slog.Logger
	pingEvery  time.Duration
	readLimit  time.Duration
	maxBackoff time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex

	// Desired subscription state, re-issued once per reconnect.
	desiredMu sync.Mutex
	channels  map[string]bool
	symbols   map[string]bool
	tfs       map[string]bool
}

// NewWSFeed creates a feed for one venue target.
func NewWSFeed(url string, dialect Dialect, market types.MarketType, b *bus.Bus, enqueue func(func()), now types.Clock, pingEvery, readLimit, maxBackoff time.Duration, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        url,
		venue:      dialect.Venue(),
		market:     market,
		dialect:    dialect,
		b:          b,
		enqueue:    enqueue,
		now:        now,
		logger:     logger.With("component", "ws_"+dialect.Venue(), "market", string(market)),
		pingEvery:  pingEvery,
		readLimit:  readLimit,
		maxBackoff: maxBackoff,
		channels:   make(map[string]bool),
		symbols:    make(map[string]bool),
		tfs:        make(map[string]bool),
	}
}

// Desire merges channels/symbols/tfs into the desired subscription set and
// returns the newly added channels (already-active ones are deduplicated).
func (f *WSFeed) Desire(channels, symbols, tfs []string) (added []string) {
	f.desiredMu.Lock()
	defer f.desiredMu.Unlock()
	for _, ch := range channels {
		if !f.channels[ch] {
			f.channels[ch] = true
			added = append(added, ch)
		}
	}
	for _, s := range symbols {
		f.symbols[s] = true
	}
	for _, tf := range tfs {
		f.tfs[tf] = true
	}
	return added
}

func (f *WSFeed) desired() (channels, symbols, tfs []string) {
	f.desiredMu.Lock()
	defer f.desiredMu.Unlock()
	for ch := range f.channels {
		channels = append(channels, ch)
	}
	for s := range f.symbols {
		symbols = append(symbols, s)
	}
	for tf := range f.tfs {
		tfs = append(tfs, tf)
	}
	return channels, symbols, tfs
}

// SendSubscriptions issues the venue subscription messages for the given
// set on the live connection.
func (f *WSFeed) SendSubscriptions(channels, symbols, tfs []string) error {
	for _, msg := range f.dialect.SubscribeMsgs(channels, symbols, tfs) {
		if err := f.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// Run connects and maintains the websocket with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		f.emitDisconnected(err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

// Close drops the current connection (Run will reconnect unless its ctx is
// cancelled).
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// StreamIDs lists the stream identities this feed contributes, given its
// desired channels.
func (f *WSFeed) StreamIDs() []string {
	channels, _, _ := f.desired()
	var ids []string
	for _, ch := range channels {
		ids = append(ids, fmt.Sprintf("%s:%s:%s", f.venue, ch, f.market))
	}
	return ids
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		f.emitError("connect", err)
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Re-issue the full desired set exactly once per (re)connect.
	channels, symbols, tfs := f.desired()
	if len(channels) > 0 {
		if err := f.SendSubscriptions(channels, symbols, tfs); err != nil {
			f.emitError("subscribe", err)
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	f.logger.Info("websocket connected", "url", f.url)
	f.emitConnected()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(f.readLimit))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			f.emitError("read", err)
			return fmt.Errorf("read: %w", err)
		}
		f.route(frame)
	}
}

// route classifies one frame and injects it as a raw event on the
// dispatcher. The frame is journaled and decoded downstream.
func (f *WSFeed) route(frame []byte) {
	channel, symbol, ok := f.dialect.Classify(frame)
	if !ok {
		return
	}
	received := types.NowMS(f.now())
	raw := types.RawMessage{
		Meta:       types.NewMeta("gateway_"+f.venue, f.now, types.WithTsIngest(received)),
		Venue:      f.venue,
		MarketType: f.market,
		Channel:    channel,
		Symbol:     symbol,
		Data:       append([]byte(nil), frame...),
		ReceivedAt: received,
	}
	topic := rawTopicFor(channel)
	f.enqueue(func() { bus.Publish(f.b, topic, raw) })
}

// rawTopicFor maps a channel class to its raw topic.
func rawTopicFor(channel string) bus.Topic[types.RawMessage] {
	switch channel {
	case "trade":
		return bus.TopicTradeRaw
	case "orderbook_snapshot":
		return bus.TopicOrderbookSnapshotRaw
	case "orderbook_delta":
		return bus.TopicOrderbookDeltaRaw
	case "kline":
		return bus.TopicCandleRaw
	case "oi":
		return bus.TopicOpenInterestRaw
	case "funding":
		return bus.TopicFundingRaw
	case "liquidation":
		return bus.TopicLiquidationRaw
	default:
		return bus.TopicMarkPriceRaw
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.writeMessage(websocket.TextMessage, data)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return f.conn.WriteMessage(msgType, data)
}

func (f *WSFeed) emitConnected() {
	ids := f.StreamIDs()
	f.enqueue(func() {
		bus.Publish(f.b, bus.TopicConnected, types.ConnectedEvent{
			Meta:       types.NewMeta("gateway_"+f.venue, f.now),
			Venue:      f.venue,
			MarketType: f.market,
			StreamIDs:  ids,
		})
		bus.Publish(f.b, bus.TopicWSEventRaw, types.RawWSEvent{
			Meta:       types.NewMeta("gateway_"+f.venue, f.now),
			Venue:      f.venue,
			MarketType: f.market,
			Kind:       "open",
		})
	})
}

func (f *WSFeed) emitDisconnected(cause error) {
	ids := f.StreamIDs()
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	f.enqueue(func() {
		bus.Publish(f.b, bus.TopicDisconnected, types.DisconnectedEvent{
			Meta:       types.NewMeta("gateway_"+f.venue, f.now),
			Venue:      f.venue,
			MarketType: f.market,
			StreamIDs:  ids,
			Reason:     reason,
		})
	})
}

func (f *WSFeed) emitError(phase string, err error) {
	msg := err.Error()
	f.enqueue(func() {
		bus.Publish(f.b, bus.TopicMarketError, types.ErrorEvent{
			Meta:       types.NewMeta("gateway_"+f.venue, f.now),
			Venue:      f.venue,
			MarketType: f.market,
			Phase:      phase,
			Err:        msg,
		})
	})
}
