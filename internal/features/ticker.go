// Package features implements the per-symbol rolling feature engines fed by
// ticker and kline streams.
//
// Both engines are deterministic under an injected clock: throttling and
// readiness are driven by event time, so replayed sessions produce the same
// emissions as live ones.
package features

import (
	"log/slog"

	"gonum.org/v1/gonum/stat"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

type tickerState struct {
	prices     []float64 // bounded rolling window
	returns    []float64 // bounded by smaPeriod
	sampleCnt  int
	lastEmitTs types.TimeMS
	emitted    bool // emitted at least once
	ticksSince int
	readySent  bool
}

// Ticker maintains a bounded rolling window of prices per symbol and
// publishes analytics:features, throttled by minEmitInterval OR
// maxTicksBeforeEmit, whichever fires first. One analytics:ready with
// reason tickerWarmup is emitted per symbol when the SMA window fills.
type Ticker struct {
	b      *bus.Bus
	cfg    config.EngineConfig
	now    types.Clock
	logger *slog.Logger
	states map[string]*tickerState
	subs   []bus.Subscription
}

// NewTicker creates the ticker feature engine.
func NewTicker(b *bus.Bus, cfg config.EngineConfig, now types.Clock, logger *slog.Logger) *Ticker {
	return &Ticker{
		b:      b,
		cfg:    cfg,
		now:    now,
		logger: logger.With("component", "ticker_features"),
		states: make(map[string]*tickerState),
	}
}

// Start registers the ticker subscription.
func (e *Ticker) Start() {
	e.subs = append(e.subs, bus.Subscribe(e.b, bus.TopicTicker, e.OnTicker))
}

// Stop unsubscribes.
func (e *Ticker) Stop() {
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.subs = nil
}

// TickerSnapshot is the serializable rolling-window state, persisted by the
// snapshot coordinator so warmup survives restarts.
type TickerSnapshot struct {
	Prices    map[string][]float64 `msgpack:"prices"`
	Returns   map[string][]float64 `msgpack:"returns"`
	Samples   map[string]int       `msgpack:"samples"`
	ReadySent map[string]bool      `msgpack:"readySent"`
}

// Export captures the current per-symbol window state.
func (e *Ticker) Export() TickerSnapshot {
	snap := TickerSnapshot{
		Prices:    make(map[string][]float64, len(e.states)),
		Returns:   make(map[string][]float64, len(e.states)),
		Samples:   make(map[string]int, len(e.states)),
		ReadySent: make(map[string]bool, len(e.states)),
	}
	for symbol, st := range e.states {
		snap.Prices[symbol] = append([]float64(nil), st.prices...)
		snap.Returns[symbol] = append([]float64(nil), st.returns...)
		snap.Samples[symbol] = st.sampleCnt
		snap.ReadySent[symbol] = st.readySent
	}
	return snap
}

// Restore replaces the engine state with a previously exported snapshot.
func (e *Ticker) Restore(snap TickerSnapshot) {
	e.states = make(map[string]*tickerState, len(snap.Prices))
	for symbol, prices := range snap.Prices {
		e.states[symbol] = &tickerState{
			prices:    append([]float64(nil), prices...),
			returns:   append([]float64(nil), snap.Returns[symbol]...),
			sampleCnt: snap.Samples[symbol],
			readySent: snap.ReadySent[symbol],
		}
	}
}

func (e *Ticker) windowSize() int {
	if e.cfg.WindowSize > e.cfg.SMAPeriod {
		return e.cfg.WindowSize
	}
	return e.cfg.SMAPeriod
}

// OnTicker ingests one tick. Exported so tests can drive the engine
// without a bus round-trip.
func (e *Ticker) OnTicker(evt types.TickerEvent) {
	if evt.Price <= 0 {
		return
	}
	st := e.states[evt.Symbol]
	if st == nil {
		st = &tickerState{}
		e.states[evt.Symbol] = st
	}

	var ret1 float64
	if n := len(st.prices); n > 0 {
		prev := st.prices[n-1]
		if prev > 0 {
			ret1 = (evt.Price - prev) / prev
		}
		st.returns = append(st.returns, ret1)
		if len(st.returns) > e.cfg.SMAPeriod {
			st.returns = st.returns[1:]
		}
	}
	st.prices = append(st.prices, evt.Price)
	if limit := e.windowSize(); len(st.prices) > limit {
		st.prices = st.prices[1:]
	}
	st.sampleCnt++
	st.ticksSince++

	ready := st.sampleCnt >= e.cfg.SMAPeriod
	if ready && !st.readySent {
		st.readySent = true
		bus.Publish(e.b, bus.TopicReady, types.ReadyEvent{
			Meta:   types.InheritMeta(evt.Meta, "ticker_features", e.now),
			Symbol: evt.Symbol,
			Reason: "tickerWarmup",
		})
	}

	ts := evt.Meta.TsEvent
	intervalMs := e.cfg.MinEmitInterval.Milliseconds()
	timeDue := !st.emitted || intervalMs <= 0 || int64(ts-st.lastEmitTs) >= intervalMs
	ticksDue := e.cfg.MaxTicksBeforeEmit > 0 && st.ticksSince >= e.cfg.MaxTicksBeforeEmit
	if !timeDue && !ticksDue {
		return
	}
	st.emitted = true
	st.lastEmitTs = ts
	st.ticksSince = 0

	out := types.FeaturesEvent{
		Meta:          types.InheritMeta(evt.Meta, "ticker_features", e.now, types.WithTsEvent(ts)),
		Symbol:        evt.Symbol,
		Price:         evt.Price,
		Return1:       ret1,
		SampleCount:   st.sampleCnt,
		FeaturesReady: ready,
	}
	if ready {
		window := st.prices[len(st.prices)-e.cfg.SMAPeriod:]
		sma := stat.Mean(window, nil)
		out.SMA = sma
		out.Volatility = stat.StdDev(st.returns, nil)
		if sma != 0 {
			out.Momentum = (evt.Price - sma) / sma
		}
	}
	bus.Publish(e.b, bus.TopicFeatures, out)
}
