// Package app wires all pipeline components together.
//
// It is the explicit container constructed at startup: one bus, one
// dispatcher, and every component created with its dependencies passed in.
// Components never reference each other; they share only the bus.
//
// Lifecycle: New() -> Start() -> [runs until shutdown] -> Stop().
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"marketpipe/internal/aggregate"
	"marketpipe/internal/analytics"
	"marketpipe/internal/api"
	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/internal/features"
	"marketpipe/internal/gateway"
	"marketpipe/internal/ingress"
	"marketpipe/internal/journal"
	"marketpipe/internal/orchestrator"
	"marketpipe/internal/orderbook"
	"marketpipe/internal/readiness"
	"marketpipe/internal/registry"
	"marketpipe/internal/snapshot"
	"marketpipe/pkg/types"
)

// startStopper is the common component lifecycle.
type startStopper interface {
	Start()
	Stop()
}

// App owns the lifecycle of every component and the dispatch goroutine.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	b       *bus.Bus
	disp    *bus.Dispatcher
	metrics *api.Metrics

	components []startStopper
	orch       *orchestrator.Orchestrator
	journ      *journal.Journal
	snap       *snapshot.Coordinator
	readiness  *readiness.Engine
	apiServer  *api.Server
	gateways   []*gateway.Gateway

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all components.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	now := time.Now

	b := bus.New(logger)
	metrics := api.NewMetrics()
	b.OnPublish = func(topic string) {
		metrics.EventsPublished.WithLabelValues(topic).Inc()
	}
	disp := bus.NewDispatcher(8192)

	a := &App{
		cfg:     cfg,
		logger:  logger.With("component", "app"),
		b:       b,
		disp:    disp,
		metrics: metrics,
	}

	reg := registry.New()

	// Ingress: one normalizer per venue present in the config.
	seen := map[string]bool{}
	for _, venue := range cfg.Venues {
		if !venue.Enabled || seen[venue.Name] {
			continue
		}
		seen[venue.Name] = true
		var dec ingress.Decoder
		switch venue.Name {
		case "bybit":
			dec = ingress.Bybit{}
		case "binance":
			dec = ingress.Binance{}
		case "okx":
			dec = ingress.OKX{}
		default:
			return nil, fmt.Errorf("no normalizer for venue %q", venue.Name)
		}
		a.components = append(a.components, ingress.NewNormalizer(b, dec, now, logger))
	}

	// Gateways: one per (venue, marketType) target.
	for _, venue := range cfg.Venues {
		if !venue.Enabled {
			continue
		}
		gw, err := gateway.New(b, venue, cfg.Gateway, disp.Enqueue, now, logger)
		if err != nil {
			return nil, err
		}
		a.gateways = append(a.gateways, gw)
		a.components = append(a.components, gw)
	}

	// Orderbook engine and aggregators.
	a.components = append(a.components,
		orderbook.NewEngine(b, cfg.Gateway.OrderbookDepth, now, logger),
		aggregate.NewCanonicalPrice(b, cfg.Aggregate, now, logger),
		aggregate.NewCVD(b, cfg.Aggregate, cfg.Debug.CVD, now, logger),
		aggregate.NewVolume(b, cfg.Aggregate, now, logger),
		aggregate.NewOpenInterest(b, cfg.Aggregate, now, logger),
		aggregate.NewFunding(b, cfg.Aggregate, now, logger),
		aggregate.NewLiquidations(b, cfg.Aggregate, now, logger),
		aggregate.NewLiquidity(b, cfg.Aggregate, now, logger),
	)

	// Feature engines and context/view builders.
	ticker := features.NewTicker(b, cfg.Engines, now, logger)
	kline := features.NewKline(b, cfg.Engines, now, logger)
	a.components = append(a.components,
		ticker,
		kline,
		analytics.NewContextBuilder(b, cfg.Engines, now, logger),
		analytics.NewViewBuilder(b, cfg.Engines.MinEmitInterval.Milliseconds(), now, logger),
	)

	// Readiness.
	a.readiness = readiness.NewEngine(b, cfg.Readiness, cfg.Aggregate, reg, cfg.Debug.Readiness, now, logger)
	target := cfg.Readiness.TargetMarketType
	if target == "" {
		target = defaultTarget(cfg)
	}
	for _, symbol := range cfg.Symbols {
		a.readiness.Seed(symbol, target)
	}
	a.components = append(a.components, a.readiness)

	// Journal.
	if cfg.Journal.Enabled {
		a.journ = journal.New(b, cfg.Journal, now, logger)
	}

	// Snapshot coordinator with the ticker engine's window state.
	if cfg.Snapshot.Enabled {
		a.snap = snapshot.New(b, cfg.Snapshot.Dir, cfg.Snapshot.Schedule, now, logger)
		a.snap.Register(snapshot.Provider{
			Name:   "ticker_features",
			Export: func() any { return ticker.Export() },
			Restore: func(raw []byte) error {
				var s features.TickerSnapshot
				if err := msgpack.Unmarshal(raw, &s); err != nil {
					return err
				}
				ticker.Restore(s)
				return nil
			},
		})
	}

	if cfg.Status.Enabled {
		a.apiServer = api.NewServer(cfg.Status.Port, b, metrics, logger)
	}

	a.orch = orchestrator.New(b, cfg, now, logger)
	return a, nil
}

// defaultTarget picks the readiness market type when unset: futures when
// any futures venue is enabled, else spot.
func defaultTarget(cfg *config.Config) types.MarketType {
	for _, venue := range cfg.Venues {
		if venue.Enabled && venue.MarketType == types.MarketFutures {
			return types.MarketFutures
		}
	}
	return types.MarketSpot
}

// Start launches the dispatcher, recovers state, starts every component
// and runs the orchestrator boot fan-out.
func (a *App) Start() error {
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.disp.Run(a.ctx)
	}()

	if a.snap != nil {
		if err := a.snap.Start(); err != nil {
			return err
		}
		a.snap.Recover()
		a.orch.RegisterCleanup("snapshot", func(ctx context.Context) error {
			a.snap.Stop()
			return nil
		})
	}

	if a.journ != nil {
		a.journ.Start()
		a.orch.RegisterCleanup("journal", func(ctx context.Context) error {
			a.journ.Stop()
			return nil
		})
	}

	for _, c := range a.components {
		c.Start()
		comp := c
		a.orch.RegisterCleanup(fmt.Sprintf("%T", comp), func(ctx context.Context) error {
			comp.Stop()
			return nil
		})
	}

	if a.apiServer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.apiServer.Start(); err != nil {
				a.logger.Error("status server failed", "error", err)
			}
		}()
		a.orch.RegisterCleanup("api", func(ctx context.Context) error {
			return a.apiServer.Stop()
		})
	}

	a.orch.Start()
	return nil
}

// Bus exposes the bus for command publication (CLI control path).
func (a *App) Bus() *bus.Bus { return a.b }

// Done is closed once shutdown completes.
func (a *App) Done() <-chan struct{} { return a.orch.Done() }

// Stop triggers the orchestrator shutdown and waits for workers.
func (a *App) Stop() {
	a.orch.Shutdown()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("shutdown complete")
}
