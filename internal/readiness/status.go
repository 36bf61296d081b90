package readiness

import (
	"fmt"
	"sort"
	"strings"

	"marketpipe/internal/bus"
	"marketpipe/internal/config"
	"marketpipe/internal/registry"
	"marketpipe/pkg/types"
)

// evaluate recomputes block confidences and publishes the status when the
// bucket closed or the observable state changed.
func (e *Engine) evaluate(parent types.Meta, symbol string, st *symbolState, bucketClosed bool) {
	now := types.NowMS(e.now())

	blockConf := make(map[types.Block]float64, len(types.Blocks))
	overall := 1.0
	var degradedReasons []string
	var warnings []string

	for _, block := range types.Blocks {
		bs := st.blocks[block]
		expectedList, haveExpected := e.reg.Expected(symbol, st.market, block, registry.KindRaw)
		score, explain, droppedNow := bs.scoreWithDrops(now, e.ttlMs, len(expectedList), haveExpected, e.caps)
		blockConf[block] = score
		for _, source := range droppedNow {
			bus.Publish(e.b, bus.TopicSourceDegraded, types.SourceHealthEvent{
				Meta:     types.InheritMeta(parent, "readiness", e.now),
				StreamID: source,
				Symbol:   symbol,
				Reason:   "stale",
			})
		}
		if score < overall {
			overall = score
		}

		bus.Publish(e.b, bus.TopicConfidence, types.ConfidenceEvent{
			Meta:     types.InheritMeta(parent, "readiness", e.now),
			Symbol:   symbol,
			Block:    block,
			Score:    score,
			Explain:  explain,
			BucketTs: st.lastBucketLabel,
		})

		if haveExpected && len(expectedList) > 0 {
			fresh := e.reg.FreshSeen(symbol, st.market, block, registry.KindRaw, now-types.TimeMS(e.ttlMs))
			if len(fresh) < len(expectedList) {
				degradedReasons = appendOnce(degradedReasons, types.DegradedSourcesMissing)
			}
		}
		if active(bs.pen.seqTs, now) {
			degradedReasons = appendOnce(degradedReasons, types.DegradedSequenceBroken)
		}
		if active(bs.pen.mismatchTs, now) {
			degradedReasons = appendOnce(degradedReasons, types.DegradedMismatchDetected)
		}
	}

	if blockConf[types.BlockFlow] < e.cfg.FlowLowConf {
		degradedReasons = appendOnce(degradedReasons, types.DegradedFlowLowConf)
	}

	// WS disconnect degrades until the recovery window passes or data
	// demonstrably reflows after a reconnect.
	if st.wsDownAt > 0 {
		inWindow := int64(now-st.wsDownAt) < e.cfg.WSRecoveryWindow.Milliseconds()
		reflowed := st.reconnectAt > st.wsDownAt && st.reflowAt > st.reconnectAt
		if inWindow && !reflowed {
			degradedReasons = appendOnce(degradedReasons, types.DegradedWSDisconnected)
		}
	}

	if stale := e.priceIsStale(symbol, st, now); stale {
		degradedReasons = appendOnce(degradedReasons, types.DegradedPriceStale)
		if !st.priceStale {
			st.priceStale = true
			bus.Publish(e.b, bus.TopicStale, types.StaleEvent{
				Meta:   types.InheritMeta(parent, "readiness", e.now),
				Topic:  bus.TopicPriceCanonical.Name(),
				Symbol: symbol,
				AgeMs:  int64(now - st.lastPriceTs),
			})
		}
	} else {
		st.priceStale = false
	}

	// Price-vs-flow bucket alignment check: the latest price must belong
	// to the closing bucket, inclusive of its end.
	if bucketClosed && st.lastPriceTs > 0 && st.lastBucketLabel > 0 {
		prevStart := st.lastBucketLabel - types.TimeMS(e.cfg.BucketMs)
		if !InBucket(st.lastPriceTs, prevStart, e.cfg.BucketMs) && !InBucket(st.lastPriceTs, st.lastBucketLabel, e.cfg.BucketMs) {
			warnings = append(warnings, types.WarnPriceBucketMismatch)
		}
	}

	elapsed := int64(now - st.startedAt)
	windowMs := e.cfg.WarmupWindow.Milliseconds()
	warmingUp := windowMs > 0 && elapsed < windowMs
	warmingProgress := 1.0
	if warmingUp {
		warmingProgress = float64(elapsed) / float64(windowMs)
	}

	activeAgg, expectedAgg := e.reg.Counts(symbol, st.market, registry.KindAgg, now-types.TimeMS(e.ttlMs))
	activeRaw, expectedRaw := e.reg.Counts(symbol, st.market, registry.KindRaw, now-types.TimeMS(e.ttlMs))

	sort.Strings(degradedReasons)
	status := types.MarketDataStatus{
		Meta:              types.InheritMeta(parent, "readiness", e.now),
		Symbol:            symbol,
		OverallConfidence: overall,
		BlockConfidence:   blockConf,
		Degraded:          len(degradedReasons) > 0,
		DegradedReasons:   degradedReasons,
		Warnings:          warnings,
		WarmingUp:         warmingUp,
		WarmingProgress:   warmingProgress,
		WarmingWindowMs:   windowMs,
		ActiveSources:     types.SourceCounts{Agg: activeAgg, Raw: activeRaw},
		ExpectedSources:   types.SourceCounts{Agg: expectedAgg, Raw: expectedRaw},
		LastBucketTs:      st.lastBucketLabel,
	}

	key := statusKey(status)
	if !bucketClosed && key == st.lastStatusKey {
		return
	}
	st.lastStatusKey = key

	if e.debug {
		e.logger.Debug("market data status",
			"symbol", symbol,
			"overall", overall,
			"degraded", status.Degraded,
			"reasons", strings.Join(degradedReasons, ","),
		)
	}
	bus.Publish(e.b, bus.TopicMarketDataStatus, status)
}

// priceIsStale applies the staleness policy to the canonical price path.
func (e *Engine) priceIsStale(symbol string, st *symbolState, now types.TimeMS) bool {
	if st.lastPriceTs == 0 {
		// Never priced: covered by SOURCES_MISSING / warmup, not staleness.
		return false
	}
	rule, ok := e.stale.Resolve(bus.TopicPriceCanonical.Name(), symbol, st.market)
	if !ok {
		rule = defaultPriceRule(e.cfg.BucketMs)
	}
	return e.stale.IsStale(rule, st.lastPriceTs, st.startedAt, now, st.priceSamples)
}

func defaultPriceRule(bucketMs int64) config.StaleRule {
	return config.StaleRule{
		Topic:              bus.TopicPriceCanonical.Name(),
		ExpectedIntervalMs: bucketMs,
		StaleThresholdMs:   5 * bucketMs,
	}
}

func appendOnce(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// statusKey folds the observable status fields into a change-detection key.
func statusKey(s types.MarketDataStatus) string {
	return fmt.Sprintf("%t|%s|%t|%.3f|%d",
		s.Degraded,
		strings.Join(s.DegradedReasons, ","),
		s.WarmingUp,
		s.OverallConfidence,
		int64(s.LastBucketTs),
	)
}
