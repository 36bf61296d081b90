// Package orchestrator owns the pipeline lifecycle and is the sole mutator
// of ControlState.
//
// Lifecycle: STARTING -> RUNNING -> PAUSED -> STOPPING -> STOPPED, with
// ERROR for unrecoverable init failures. The first market:ticker drives
// STARTING -> RUNNING unless paused. Shutdown is idempotent: registered
// cleanups run in reverse registration order, each under its own timeout,
// and a failing or slow cleanup never blocks the rest.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

// cleanup is one registered shutdown step.
type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

// Orchestrator drives lifecycle transitions and the boot fan-out.
type Orchestrator struct {
	b              *bus.Bus
	cfg            *config.Config
	now            types.Clock
	cleanupBudget  time.Duration
	logger         *slog.Logger

	state    types.ControlState
	cleanups []cleanup
	done     chan struct{}
	stopOnce sync.Once
	subs     []bus.Subscription
}

// New creates the orchestrator.
func New(b *bus.Bus, cfg *config.Config, now types.Clock, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		b:             b,
		cfg:           cfg,
		now:           now,
		cleanupBudget: 5 * time.Second,
		logger:        logger.With("component", "orchestrator"),
		state: types.ControlState{
			Mode:      cfg.Mode,
			Lifecycle: types.LifecycleStarting,
		},
		done: make(chan struct{}),
	}
}

// RegisterCleanup appends a shutdown step. Steps run in reverse
// registration order.
func (o *Orchestrator) RegisterCleanup(name string, fn func(ctx context.Context) error) {
	o.cleanups = append(o.cleanups, cleanup{name: name, fn: fn})
}

// Done is closed once shutdown has completed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// State returns a copy of the current control state.
func (o *Orchestrator) State() types.ControlState { return o.state }

// Start publishes the initial state, subscribes to commands and the first
// ticker, and fans out the boot connect/subscribe/bootstrap events.
func (o *Orchestrator) Start() {
	o.state.StartedAt = types.NowMS(o.now())
	o.publishState()

	o.subs = append(o.subs,
		bus.Subscribe(o.b, bus.TopicControlCommand, o.onCommand),
		bus.Subscribe(o.b, bus.TopicTicker, o.onFirstTicker),
	)

	o.bootFanOut()
}

// bootFanOut issues market:connect, market:subscribe and the kline
// bootstrap per configured venue target.
func (o *Orchestrator) bootFanOut() {
	for _, venue := range o.cfg.Venues {
		if !venue.Enabled {
			continue
		}
		if venue.MarketType == types.MarketSpot && !o.cfg.Features.Spot {
			continue
		}
		bus.Publish(o.b, bus.TopicConnect, types.ConnectRequest{
			Meta:       types.NewMeta("orchestrator", o.now),
			Venue:      venue.Name,
			MarketType: venue.MarketType,
		})

		channels := o.enabledChannels(venue)
		bus.Publish(o.b, bus.TopicSubscribe, types.SubscribeRequest{
			Meta:       types.NewMeta("orchestrator", o.now),
			Venue:      venue.Name,
			MarketType: venue.MarketType,
			Channels:   channels,
			Symbols:    o.cfg.Symbols,
			TFs:        o.cfg.Klines.Intervals,
		})

		if o.cfg.Features.Klines {
			bus.Publish(o.b, bus.TopicKlineBootstrapRequested, types.KlineBootstrapRequest{
				Meta:       types.NewMeta("orchestrator", o.now),
				Venue:      venue.Name,
				MarketType: venue.MarketType,
				Symbols:    o.cfg.Symbols,
				TFs:        o.cfg.Klines.Intervals,
				Limit:      o.cfg.Klines.Limit,
			})
		}
	}
}

// enabledChannels filters a venue's configured channels through the
// feature toggles.
func (o *Orchestrator) enabledChannels(venue config.VenueConfig) []string {
	var out []string
	for _, ch := range venue.Channels {
		switch ch {
		case "trade":
			if !o.cfg.Features.Trades {
				continue
			}
		case "orderbook":
			if !o.cfg.Features.Orderbook {
				continue
			}
		case "oi":
			if !o.cfg.Features.OpenInterest {
				continue
			}
		case "funding":
			if !o.cfg.Features.Funding {
				continue
			}
		case "liquidation":
			if !o.cfg.Features.Liquidations {
				continue
			}
		case "kline":
			if !o.cfg.Features.Klines {
				continue
			}
		}
		out = append(out, ch)
	}
	return out
}

// onFirstTicker drives STARTING -> RUNNING unless paused.
func (o *Orchestrator) onFirstTicker(evt types.TickerEvent) {
	if o.state.Lifecycle != types.LifecycleStarting || o.state.Paused {
		return
	}
	o.state.Lifecycle = types.LifecycleRunning
	o.logger.Info("first market data observed, pipeline running", "symbol", evt.Symbol)
	o.publishState()
}

func (o *Orchestrator) onCommand(cmd types.ControlCommand) {
	o.state.LastCommand = cmd.Command
	o.state.LastCommandAt = types.NowMS(o.now())
	o.state.LastCommandReason = cmd.Reason

	switch cmd.Command {
	case "pause":
		if o.state.Lifecycle == types.LifecycleRunning || o.state.Lifecycle == types.LifecycleStarting {
			o.state.Paused = true
			o.state.Lifecycle = types.LifecyclePaused
		}
	case "resume":
		if o.state.Lifecycle == types.LifecyclePaused {
			o.state.Paused = false
			o.state.Lifecycle = types.LifecycleRunning
		}
	case "set_mode":
		switch cmd.Mode {
		case types.ModeLive, types.ModePaper, types.ModeBacktest:
			o.state.Mode = cmd.Mode
		default:
			o.logger.Warn("set_mode with unknown mode", "mode", string(cmd.Mode))
		}
	case "status":
		// State republished below.
	case "shutdown":
		o.publishState()
		o.Shutdown()
		return
	default:
		o.logger.Warn("unknown control command", "command", cmd.Command)
	}
	o.publishState()
}

// Shutdown is idempotent. Cleanups run LIFO, each under the cleanup
// budget; a timed-out or failing cleanup logs and the next one runs.
func (o *Orchestrator) Shutdown() {
	o.stopOnce.Do(func() {
		o.state.ShuttingDown = true
		o.state.Lifecycle = types.LifecycleStopping
		o.publishState()

		for i := len(o.cleanups) - 1; i >= 0; i-- {
			step := o.cleanups[i]
			o.runCleanup(step)
		}

		for _, s := range o.subs {
			s.Unsubscribe()
		}
		o.subs = nil

		o.state.Lifecycle = types.LifecycleStopped
		o.publishState()
		close(o.done)
	})
}

func (o *Orchestrator) runCleanup(step cleanup) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cleanupBudget)
	defer cancel()

	doneCh := make(chan error, 1)
	go func() { doneCh <- step.fn(ctx) }()

	select {
	case err := <-doneCh:
		if err != nil {
			o.logger.Error("cleanup failed", "step", step.name, "error", err)
		}
	case <-ctx.Done():
		o.logger.Error("cleanup timed out", "step", step.name, "budget", o.cleanupBudget)
	}
}

func (o *Orchestrator) publishState() {
	bus.Publish(o.b, bus.TopicControlState, o.state)
}
