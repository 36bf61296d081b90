// Package aggregate fuses per-venue inputs into canonical cross-venue
// metrics with explicit freshness, unit-comparability, and weighting
// semantics.
//
// Every aggregator shares the same fusion core: a short TTL window per
// source, configured weights with optional unit multipliers and sign
// overrides, exclusion of non-comparable units with a recorded reason, and
// a confidence score derived from freshness and mismatch state.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	"marketpipe/internal/config"
	"marketpipe/pkg/types"
)

// SourceOpts is the per-stream fusion configuration.
type SourceOpts struct {
	Weight         float64
	UnitMultiplier float64 // 0 means 1.0
	SignOverride   float64 // 0 means +1
	TrustCap       float64 // 0 means 1.0
	TrustCapReason string
}

func optsFromConfig(list []config.SourceConfig) map[string]SourceOpts {
	out := make(map[string]SourceOpts, len(list))
	for _, sc := range list {
		out[sc.StreamID] = SourceOpts{
			Weight:         sc.Weight,
			UnitMultiplier: sc.UnitMultiplier,
			SignOverride:   sc.SignOverride,
			TrustCap:       sc.TrustCap,
			TrustCapReason: sc.TrustCapReason,
		}
	}
	return out
}

func (o SourceOpts) weight() float64 {
	if o.Weight <= 0 {
		return 1
	}
	return o.Weight
}

func (o SourceOpts) multiplier() float64 {
	m := 1.0
	if o.UnitMultiplier != 0 {
		m = o.UnitMultiplier
	}
	if o.SignOverride < 0 {
		m = -m
	}
	return m
}

func (o SourceOpts) trustCap() float64 {
	if o.TrustCap <= 0 || o.TrustCap > 1 {
		return 1
	}
	return o.TrustCap
}

type sourceEntry struct {
	value float64
	unit  types.Unit
	ts    types.TimeMS
	extra float64 // aggregator-specific (e.g. contract size)
}

// table is the per-symbol, per-source TTL window underlying every
// aggregator. Not safe for concurrent use; each aggregator owns its table
// and mutates it only from bus dispatch.
type table struct {
	ttlMs   int64
	opts    map[string]SourceOpts
	entries map[string]map[string]*sourceEntry // symbol -> streamID -> entry
}

func newTable(ttlMs int64, opts map[string]SourceOpts) *table {
	return &table{
		ttlMs:   ttlMs,
		opts:    opts,
		entries: make(map[string]map[string]*sourceEntry),
	}
}

func (t *table) upsert(symbol, source string, value float64, unit types.Unit, extra float64, ts types.TimeMS) {
	m, ok := t.entries[symbol]
	if !ok {
		m = make(map[string]*sourceEntry)
		t.entries[symbol] = m
	}
	m[source] = &sourceEntry{value: value, unit: unit, ts: ts, extra: extra}
}

func (t *table) optsFor(source string) SourceOpts {
	return t.opts[source]
}

// convert maps a source entry's value into the fusion unit. Returning
// ok=false excludes the source with the given NON_COMPARABLE reason.
type convertFunc func(source string, e *sourceEntry) (value float64, ok bool, reason string)

// fusion is the outcome of one weighted fuse over fresh, comparable sources.
type fusion struct {
	value float64
	core  types.AggregateCore
	fresh map[string]float64 // adjusted per-source values (= venueBreakdown)
}

// fuse evicts stale sources, applies unit conversion, sign and weight, and
// produces the weighted aggregate plus its AggregateCore bookkeeping.
func (t *table) fuse(symbol string, now types.TimeMS, convert convertFunc) fusion {
	core := types.AggregateCore{
		Symbol:         symbol,
		VenueBreakdown: map[string]float64{},
		WeightsUsed:    map[string]float64{},
	}
	m := t.entries[symbol]

	var weightedSum, weightSum float64
	fresh := map[string]float64{}

	for source, entry := range m {
		if t.ttlMs > 0 && int64(now-entry.ts) > t.ttlMs {
			core.StaleSourcesDropped = append(core.StaleSourcesDropped, source)
			delete(m, source)
			continue
		}
		value := entry.value
		if convert != nil {
			converted, ok, reason := convert(source, entry)
			if !ok {
				if core.ExcludedSources == nil {
					core.ExcludedSources = map[string]string{}
				}
				core.ExcludedSources[source] = reason
				continue
			}
			value = converted
		}
		opts := t.optsFor(source)
		adjusted := value * opts.multiplier()
		w := opts.weight()

		fresh[source] = adjusted
		core.SourcesUsed = append(core.SourcesUsed, source)
		core.VenueBreakdown[source] = adjusted
		core.WeightsUsed[source] = w
		weightedSum += w * adjusted
		weightSum += w
	}

	sort.Strings(core.SourcesUsed)
	sort.Strings(core.StaleSourcesDropped)
	core.FreshSourcesCount = len(core.SourcesUsed)

	if weightSum > 0 {
		return fusion{value: weightedSum / weightSum, core: core, fresh: fresh}
	}
	return fusion{core: core, fresh: fresh}
}

// nonComparable renders the exclusion reason for a unit mismatch.
func nonComparable(unit types.Unit) string {
	return fmt.Sprintf("NON_COMPARABLE(%s)", unit)
}

// detectMismatch compares fresh adjusted values against a baseline value.
// Any deviation beyond pct marks the fuse as mismatched.
func detectMismatch(fresh map[string]float64, baseline float64, pct float64) (bool, float64) {
	if len(fresh) < 2 || baseline == 0 || pct <= 0 {
		return false, 0
	}
	var worst float64
	for _, v := range fresh {
		dev := math.Abs(v-baseline) / math.Abs(baseline) * 100
		if dev > worst {
			worst = dev
		}
	}
	return worst > pct, worst
}

// baselineValue picks the mismatch baseline: a named source when present
// and fresh, else the median of fresh values.
func baselineValue(fresh map[string]float64, strategy string) (float64, string) {
	if strategy != "" && strategy != "median" {
		for source, v := range fresh {
			if venueOf(source) == strategy {
				return v, source
			}
		}
	}
	if len(fresh) == 0 {
		return 0, ""
	}
	vals := make([]float64, 0, len(fresh))
	for _, v := range fresh {
		vals = append(vals, v)
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid], "median"
	}
	return (vals[mid-1] + vals[mid]) / 2, "median"
}

// confidence derives the aggregate-local score: freshness ratio capped by
// the weakest trust cap among used sources, halved on mismatch.
func (t *table) confidence(core *types.AggregateCore) {
	freshCount := float64(core.FreshSourcesCount)
	total := freshCount + float64(len(core.StaleSourcesDropped)+len(core.ExcludedSources))
	score := 0.0
	if total > 0 {
		score = freshCount / total
	}
	var explains []string
	trustCap := 1.0
	for _, source := range core.SourcesUsed {
		opts := t.optsFor(source)
		if c := opts.trustCap(); c < trustCap {
			trustCap = c
			if opts.TrustCapReason != "" {
				explains = append(explains, opts.TrustCapReason)
			}
		}
	}
	if core.MismatchDetected {
		score *= 0.5
		explains = append(explains, "mismatch x0.5")
	}
	if score > trustCap {
		score = trustCap
	}
	core.ConfidenceScore = clamp01(score)
	if len(explains) > 0 {
		core.ConfidenceExplain = joinExplain(explains)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func joinExplain(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}

// venueOf extracts the venue segment of a streamId (venue:channel:market).
func venueOf(streamID string) string {
	for i := 0; i < len(streamID); i++ {
		if streamID[i] == ':' {
			return streamID[:i]
		}
	}
	return streamID
}

// bucketEnd computes the close timestamp of the bucket containing t:
// ceil(t / bucketMs) * bucketMs.
func bucketEnd(t types.TimeMS, bucketMs int64) types.TimeMS {
	if bucketMs <= 0 {
		return t
	}
	n := (int64(t) + bucketMs - 1) / bucketMs
	return types.TimeMS(n * bucketMs)
}

// throttle tracks minimum emit spacing per symbol.
type throttle struct {
	minIntervalMs int64
	last          map[string]types.TimeMS
}

func newThrottle(minIntervalMs int64) *throttle {
	return &throttle{minIntervalMs: minIntervalMs, last: make(map[string]types.TimeMS)}
}

// allow reports whether an emit at now is permitted and records it.
func (th *throttle) allow(symbol string, now types.TimeMS) bool {
	if th.minIntervalMs <= 0 {
		return true
	}
	if last, ok := th.last[symbol]; ok && int64(now-last) < th.minIntervalMs {
		return false
	}
	th.last[symbol] = now
	return true
}
