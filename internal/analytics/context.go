// Package analytics composes per-symbol micro/macro views and regime
// signals from the feature engines and aggregators.
package analytics

import (
	"log/slog"
	"sort"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

type contextState struct {
	tickerReady bool
	readyTfs    map[string]bool
	features    map[string]types.KlineFeatures // per tf, latest
	macroSent   bool
}

// ContextBuilder joins ticker-path and kline-path readiness and classifies
// the market regime from kline features across the configured macro TFs.
//
// Macro readiness fires exactly once per symbol, when every configured
// macro TF has completed its kline warmup.
type ContextBuilder struct {
	b        *bus.Bus
	cfg      config.EngineConfig
	now      types.Clock
	logger   *slog.Logger
	states   map[string]*contextState
	subs     []bus.Subscription
}

// NewContextBuilder creates the market context builder.
func NewContextBuilder(b *bus.Bus, cfg config.EngineConfig, now types.Clock, logger *slog.Logger) *ContextBuilder {
	return &ContextBuilder{
		b:      b,
		cfg:    cfg,
		now:    now,
		logger: logger.With("component", "market_context"),
		states: make(map[string]*contextState),
	}
}

// Start registers subscriptions.
func (c *ContextBuilder) Start() {
	c.subs = append(c.subs,
		bus.Subscribe(c.b, bus.TopicReady, c.onReady),
		bus.Subscribe(c.b, bus.TopicKlineFeatures, c.onKlineFeatures),
	)
}

// Stop unsubscribes.
func (c *ContextBuilder) Stop() {
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.subs = nil
}

func (c *ContextBuilder) state(symbol string) *contextState {
	st := c.states[symbol]
	if st == nil {
		st = &contextState{
			readyTfs: make(map[string]bool),
			features: make(map[string]types.KlineFeatures),
		}
		c.states[symbol] = st
	}
	return st
}

func (c *ContextBuilder) onReady(evt types.ReadyEvent) {
	st := c.state(evt.Symbol)
	switch evt.Reason {
	case "tickerWarmup":
		st.tickerReady = true
	case "klineWarmup":
		st.readyTfs[evt.TF] = true
		c.maybeEmitMacroReady(evt, st)
	}
}

// maybeEmitMacroReady fires the one-shot macroWarmup once every configured
// macro TF is individually ready.
func (c *ContextBuilder) maybeEmitMacroReady(evt types.ReadyEvent, st *contextState) {
	if st.macroSent || len(c.cfg.MacroTfs) == 0 {
		return
	}
	for _, tf := range c.cfg.MacroTfs {
		if !st.readyTfs[tf] {
			return
		}
	}
	st.macroSent = true
	readyTfs := append([]string(nil), c.cfg.MacroTfs...)
	sort.Strings(readyTfs)
	bus.Publish(c.b, bus.TopicReady, types.ReadyEvent{
		Meta:     types.InheritMeta(evt.Meta, "market_context", c.now),
		Symbol:   evt.Symbol,
		Reason:   "macroWarmup",
		ReadyTfs: readyTfs,
	})
}

func (c *ContextBuilder) onKlineFeatures(evt types.KlineFeaturesEvent) {
	feat := evt.Features
	st := c.state(feat.Symbol)
	st.features[feat.TF] = feat

	if !isMacroTf(c.cfg.MacroTfs, feat.TF) {
		return
	}
	c.emitContext(evt.Meta, feat.Symbol, st)
}

func isMacroTf(macroTfs []string, tf string) bool {
	for _, m := range macroTfs {
		if m == tf {
			return true
		}
	}
	return false
}

// tfRegime classifies a single timeframe.
func (c *ContextBuilder) tfRegime(f types.KlineFeatures) (types.RegimeV2, string) {
	switch {
	case f.ATRPct >= c.cfg.HighVolThreshold:
		return types.RegimeStorm, "atrPct over threshold"
	case f.EMAFast > f.EMASlow && f.Slope > 0:
		return types.RegimeTrendBull, "emaFast above emaSlow, slope up"
	case f.EMAFast < f.EMASlow && f.Slope < 0:
		return types.RegimeTrendBear, "emaFast below emaSlow, slope down"
	default:
		return types.RegimeCalmRange, "no trend agreement"
	}
}

// emitContext derives the macro regime. Storm dominates when any TF exceeds
// the volatility threshold; trends require all macro TFs to agree.
func (c *ContextBuilder) emitContext(parent types.Meta, symbol string, st *contextState) {
	perTF := make(map[string]types.KlineFeatures, len(st.features))
	explain := make(map[string]string)
	var regimes []types.RegimeV2
	allReady := true
	for _, tf := range c.cfg.MacroTfs {
		f, ok := st.features[tf]
		if !ok || !f.Ready {
			allReady = false
			continue
		}
		perTF[tf] = f
		r, why := c.tfRegime(f)
		explain[tf] = why
		regimes = append(regimes, r)
	}

	regimeV2 := types.RegimeCalmRange
	regime := types.RegimeCalm
	if !allReady || len(regimes) == 0 {
		regime = types.RegimeUnknown
	}
	// Trends require every macro TF to agree; a missing TF blocks both.
	storm := false
	complete := allReady && len(regimes) == len(c.cfg.MacroTfs)
	allBull := complete
	allBear := complete
	for _, r := range regimes {
		if r == types.RegimeStorm {
			storm = true
		}
		if r != types.RegimeTrendBull {
			allBull = false
		}
		if r != types.RegimeTrendBear {
			allBear = false
		}
	}
	switch {
	case storm:
		regimeV2 = types.RegimeStorm
		regime = types.RegimeVolatile
	case allBull:
		regimeV2 = types.RegimeTrendBull
	case allBear:
		regimeV2 = types.RegimeTrendBear
	}

	evt := types.ContextEvent{
		Meta:     types.InheritMeta(parent, "market_context", c.now),
		Symbol:   symbol,
		Regime:   regime,
		RegimeV2: regimeV2,
		PerTF:    perTF,
		MacroTfs: append([]string(nil), c.cfg.MacroTfs...),
	}
	bus.Publish(c.b, bus.TopicContext, evt)
	bus.Publish(c.b, bus.TopicRegime, evt)
	bus.Publish(c.b, bus.TopicRegimeExplain, types.RegimeExplain{
		Meta:     types.InheritMeta(parent, "market_context", c.now),
		Symbol:   symbol,
		RegimeV2: regimeV2,
		PerTF:    explain,
	})
}
