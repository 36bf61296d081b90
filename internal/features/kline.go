package features

import (
	"log/slog"
	"math"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

// klineState is the incremental indicator state for one (symbol, tf).
// EMA, RSI and ATR all use SMA seeding; EMA then applies the 2/(n+1)
// factor while RSI and ATR use Wilder smoothing. The stream nature of
// klines rules out batch indicator libraries here.
type klineState struct {
	bars int

	emaSeeded   bool
	emaFast     float64
	emaSlow     float64
	prevEmaSlow float64
	seedCloses  []float64

	prevClose float64
	rsiSeeded bool
	avgGain   float64
	avgLoss   float64
	gainSeed  []float64
	lossSeed  []float64

	atrSeeded bool
	atr       float64
	trSeed    []float64

	readySent bool
}

// Kline computes EMA(fast/slow), RSI and ATR per (symbol, tf) from closed
// candles. Warmup is max(emaSlow, rsiPeriod+1, atrPeriod+1) bars; one
// analytics:ready with reason klineWarmup fires per (symbol, tf).
type Kline struct {
	b      *bus.Bus
	cfg    config.EngineConfig
	now    types.Clock
	logger *slog.Logger
	states map[string]*klineState // key = symbol + "|" + tf
	subs   []bus.Subscription
}

// NewKline creates the kline feature engine.
func NewKline(b *bus.Bus, cfg config.EngineConfig, now types.Clock, logger *slog.Logger) *Kline {
	return &Kline{
		b:      b,
		cfg:    cfg,
		now:    now,
		logger: logger.With("component", "kline_features"),
		states: make(map[string]*klineState),
	}
}

// Start registers the kline subscription.
func (e *Kline) Start() {
	e.subs = append(e.subs, bus.Subscribe(e.b, bus.TopicKline, e.OnKline))
}

// Stop unsubscribes.
func (e *Kline) Stop() {
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.subs = nil
}

// WarmupBars is the number of closed candles needed before features are
// considered ready.
func (e *Kline) WarmupBars() int {
	w := e.cfg.EMASlow
	if e.cfg.RSIPeriod+1 > w {
		w = e.cfg.RSIPeriod + 1
	}
	if e.cfg.ATRPeriod+1 > w {
		w = e.cfg.ATRPeriod + 1
	}
	return w
}

// OnKline ingests one candle; open (not yet closed) candles are ignored.
func (e *Kline) OnKline(evt types.KlineEvent) {
	if !evt.Closed {
		return
	}
	key := evt.Symbol + "|" + evt.TF
	st := e.states[key]
	if st == nil {
		st = &klineState{}
		e.states[key] = st
	}
	st.bars++

	e.updateEMA(st, evt.Close)
	e.updateRSI(st, evt.Close)
	e.updateATR(st, evt)
	st.prevClose = evt.Close

	ready := st.bars >= e.WarmupBars()
	if ready && !st.readySent {
		st.readySent = true
		bus.Publish(e.b, bus.TopicReady, types.ReadyEvent{
			Meta:   types.InheritMeta(evt.Meta, "kline_features", e.now),
			Symbol: evt.Symbol,
			Reason: "klineWarmup",
			TF:     evt.TF,
		})
	}

	feat := types.KlineFeatures{
		Symbol:  evt.Symbol,
		TF:      evt.TF,
		EMAFast: st.emaFast,
		EMASlow: st.emaSlow,
		RSI:     e.rsiValue(st),
		ATR:     st.atr,
		Slope:   st.emaSlow - st.prevEmaSlow,
		Close:   evt.Close,
		Ready:   ready,
	}
	if evt.Close > 0 {
		feat.ATRPct = st.atr / evt.Close
	}
	bus.Publish(e.b, bus.TopicKlineFeatures, types.KlineFeaturesEvent{
		Meta:     types.InheritMeta(evt.Meta, "kline_features", e.now),
		Features: feat,
	})
}

// updateEMA seeds the fast EMA with the SMA of the first emaFast closes and
// the slow EMA with the SMA of the first emaSlow closes; after its seed each
// applies the standard smoothing factor 2/(n+1).
func (e *Kline) updateEMA(st *klineState, close float64) {
	st.prevEmaSlow = st.emaSlow
	if !st.emaSeeded {
		st.seedCloses = append(st.seedCloses, close)
		// Fast EMA starts running once its own period is seeded.
		if len(st.seedCloses) == e.cfg.EMAFast {
			st.emaFast = mean(st.seedCloses)
		} else if len(st.seedCloses) > e.cfg.EMAFast {
			st.emaFast = ema(st.emaFast, close, e.cfg.EMAFast)
		}
		if len(st.seedCloses) == e.cfg.EMASlow {
			st.emaSlow = mean(st.seedCloses)
			st.prevEmaSlow = st.emaSlow
			st.emaSeeded = true
			st.seedCloses = nil
		}
		return
	}
	st.emaFast = ema(st.emaFast, close, e.cfg.EMAFast)
	st.emaSlow = ema(st.emaSlow, close, e.cfg.EMASlow)
}

// updateRSI implements Wilder RSI: SMA of gains/losses over the first
// rsiPeriod deltas, then Wilder smoothing.
func (e *Kline) updateRSI(st *klineState, close float64) {
	if st.bars == 1 {
		return // need a previous close
	}
	delta := close - st.prevClose
	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}
	if !st.rsiSeeded {
		st.gainSeed = append(st.gainSeed, gain)
		st.lossSeed = append(st.lossSeed, loss)
		if len(st.gainSeed) == e.cfg.RSIPeriod {
			st.avgGain = mean(st.gainSeed)
			st.avgLoss = mean(st.lossSeed)
			st.rsiSeeded = true
			st.gainSeed, st.lossSeed = nil, nil
		}
		return
	}
	n := float64(e.cfg.RSIPeriod)
	st.avgGain = (st.avgGain*(n-1) + gain) / n
	st.avgLoss = (st.avgLoss*(n-1) + loss) / n
}

func (e *Kline) rsiValue(st *klineState) float64 {
	if st.avgGain == 0 && st.avgLoss == 0 {
		return 0
	}
	if st.avgLoss == 0 {
		return 100
	}
	rs := st.avgGain / st.avgLoss
	return 100 - 100/(1+rs)
}

// updateATR implements Wilder ATR over the true range.
func (e *Kline) updateATR(st *klineState, evt types.KlineEvent) {
	tr := evt.High - evt.Low
	if st.bars > 1 {
		tr = math.Max(tr, math.Max(
			math.Abs(evt.High-st.prevClose),
			math.Abs(evt.Low-st.prevClose),
		))
	}
	if !st.atrSeeded {
		st.trSeed = append(st.trSeed, tr)
		if len(st.trSeed) == e.cfg.ATRPeriod {
			st.atr = mean(st.trSeed)
			st.atrSeeded = true
			st.trSeed = nil
		}
		return
	}
	n := float64(e.cfg.ATRPeriod)
	st.atr = (st.atr*(n-1) + tr) / n
}

func ema(prev, value float64, period int) float64 {
	k := 2.0 / float64(period+1)
	return value*k + prev*(1-k)
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
