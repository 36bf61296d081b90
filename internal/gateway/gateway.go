// Package gateway binds one venue's websocket/REST transports to the bus.
//
// The gateway reacts to market:connect / market:subscribe / market:disconnect
// for its (venue, marketType) target, ignores events addressed elsewhere,
// and applies resync coalescing so a burst of gap reports causes exactly
// one disconnect-reconnect.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

// Gateway owns the transports for one (venue, marketType) target.
type Gateway struct {
	b       *bus.Bus
	venue   config.VenueConfig
	cfg     config.GatewayConfig
	dialect Dialect
	feed    *WSFeed
	rest    *RESTClient
	coal    *Coalescer
	enqueue func(func())
	now     types.Clock
	logger  *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	feedStop  context.CancelFunc
	connected bool
	subs      []bus.Subscription
}

// New creates a gateway for one venue target.
func New(b *bus.Bus, venue config.VenueConfig, cfg config.GatewayConfig, enqueue func(func()), now types.Clock, logger *slog.Logger) (*Gateway, error) {
	dialect, err := DialectFor(venue.Name)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		b:       b,
		venue:   venue,
		cfg:     cfg,
		dialect: dialect,
		rest:    NewRESTClient(venue.RESTURL, venue.Name, logger),
		coal:    NewCoalescer(cfg.ResyncCooldown, cfg.ResyncReasonCooldown),
		enqueue: enqueue,
		now:     now,
		logger:  logger.With("component", "gateway_"+venue.Name, "market", string(venue.MarketType)),
	}
	g.feed = NewWSFeed(venue.WSURL, dialect, venue.MarketType, b, enqueue, now,
		cfg.PingInterval, cfg.ReadTimeout, cfg.ReconnectMaxWait, logger)
	return g, nil
}

// Start registers bus subscriptions. The transport connects only on
// market:connect.
func (g *Gateway) Start() {
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.subs = append(g.subs,
		bus.Subscribe(g.b, bus.TopicConnect, g.onConnect),
		bus.Subscribe(g.b, bus.TopicDisconnect, g.onDisconnect),
		bus.Subscribe(g.b, bus.TopicSubscribe, g.onSubscribe),
		bus.Subscribe(g.b, bus.TopicResyncRequested, g.onResync),
		bus.Subscribe(g.b, bus.TopicKlineBootstrapRequested, g.onKlineBootstrap),
	)
}

// Stop unsubscribes and drops the transport.
func (g *Gateway) Stop() {
	for _, s := range g.subs {
		s.Unsubscribe()
	}
	g.subs = nil
	if g.cancel != nil {
		g.cancel()
	}
	g.feed.Close()
}

// mine reports whether an event addresses this gateway's target.
func (g *Gateway) mine(venue string, market types.MarketType) bool {
	if venue != g.venue.Name {
		return false
	}
	return market == "" || market == g.venue.MarketType
}

func (g *Gateway) onConnect(evt types.ConnectRequest) {
	if !g.mine(evt.Venue, evt.MarketType) || g.connected {
		return
	}
	g.connected = true
	feedCtx, cancel := context.WithCancel(g.ctx)
	g.feedStop = cancel
	go func() {
		if err := g.feed.Run(feedCtx); err != nil && feedCtx.Err() == nil {
			g.logger.Error("feed stopped", "error", err)
		}
	}()
}

func (g *Gateway) onDisconnect(evt types.DisconnectRequest) {
	if !g.mine(evt.Venue, evt.MarketType) || !g.connected {
		return
	}
	g.connected = false
	if g.feedStop != nil {
		g.feedStop()
	}
	g.feed.Close()
}

// onSubscribe merges the request into the desired set and issues venue
// subscriptions only for what is not already active.
func (g *Gateway) onSubscribe(evt types.SubscribeRequest) {
	if !g.mine(evt.Venue, evt.MarketType) {
		return
	}
	added := g.feed.Desire(evt.Channels, evt.Symbols, evt.TFs)
	if len(added) == 0 {
		// Everything already desired; reconnects re-issue automatically.
		return
	}
	if err := g.feed.SendSubscriptions(added, evt.Symbols, evt.TFs); err != nil {
		g.logger.Warn("subscribe deferred until connect", "error", err)
	}
}

// onResync performs a coalesced disconnect-reconnect of the orderbook
// stream and seeds a fresh snapshot over REST.
func (g *Gateway) onResync(evt types.ResyncRequest) {
	if evt.Venue != g.venue.Name || !g.connected {
		return
	}
	now := types.NowMS(g.now())
	if !g.coal.Allow(evt.Venue, evt.Symbol, evt.Reason, now) {
		return
	}
	g.logger.Info("resync accepted",
		"symbol", evt.Symbol,
		"reason", evt.Reason,
		"last_seq", uint64(evt.LastSeq),
	)

	// Bounce the connection; Run reconnects with backoff and re-issues the
	// desired subscriptions exactly once.
	g.feed.Close()

	symbol := evt.Symbol
	go func() {
		ctx, cancel := context.WithTimeout(g.ctx, 15*time.Second)
		defer cancel()
		frame, err := g.rest.FetchBookSnapshot(ctx, symbol, g.cfg.OrderbookDepth, g.venue.MarketType)
		if err != nil {
			g.emitError("resync_snapshot", err)
			return
		}
		raw := types.RawMessage{
			Meta:       types.NewMeta("gateway_"+g.venue.Name, g.now),
			Venue:      g.venue.Name,
			MarketType: g.venue.MarketType,
			Channel:    "orderbook_snapshot",
			Symbol:     symbol,
			Data:       frame,
			ReceivedAt: types.NowMS(g.now()),
		}
		g.enqueue(func() { bus.Publish(g.b, bus.TopicOrderbookSnapshotRaw, raw) })
	}()
}

// onKlineBootstrap backfills klines over REST and replays them through the
// raw candle topic.
func (g *Gateway) onKlineBootstrap(evt types.KlineBootstrapRequest) {
	if !g.mine(evt.Venue, evt.MarketType) {
		return
	}
	symbols := append([]string(nil), evt.Symbols...)
	tfs := append([]string(nil), evt.TFs...)
	limit := evt.Limit
	go func() {
		for _, symbol := range symbols {
			for _, tf := range tfs {
				ctx, cancel := context.WithTimeout(g.ctx, 30*time.Second)
				frames, err := g.rest.FetchKlines(ctx, symbol, tf, limit, g.venue.MarketType)
				cancel()
				if err != nil {
					g.emitError("kline_bootstrap", err)
					continue
				}
				for _, frame := range frames {
					raw := types.RawMessage{
						Meta:       types.NewMeta("gateway_"+g.venue.Name, g.now),
						Venue:      g.venue.Name,
						MarketType: g.venue.MarketType,
						Channel:    "kline",
						Symbol:     symbol,
						Data:       frame,
						ReceivedAt: types.NowMS(g.now()),
					}
					g.enqueue(func() { bus.Publish(g.b, bus.TopicCandleRaw, raw) })
				}
				symbol, tf, count := symbol, tf, len(frames)
				g.enqueue(func() {
					bus.Publish(g.b, bus.TopicKlineBootstrapCompleted, types.KlineBootstrapCompleted{
						Meta:       types.NewMeta("gateway_"+g.venue.Name, g.now),
						Venue:      g.venue.Name,
						MarketType: g.venue.MarketType,
						Symbol:     symbol,
						TF:         tf,
						Count:      count,
					})
				})
			}
		}
	}()
}

func (g *Gateway) emitError(phase string, err error) {
	msg := err.Error()
	g.enqueue(func() {
		bus.Publish(g.b, bus.TopicMarketError, types.ErrorEvent{
			Meta:       types.NewMeta("gateway_"+g.venue.Name, g.now),
			Venue:      g.venue.Name,
			MarketType: g.venue.MarketType,
			Phase:      phase,
			Err:        msg,
		})
	})
}
