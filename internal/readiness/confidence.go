// Package readiness derives per-block and overall confidence from source
// freshness and quality penalties, and publishes the uniform
// system:market_data_status gating signal.
package readiness

import (
	"fmt"
	"strings"

	"marketpipe/pkg/types"
)

// Multiplicative penalty factors, applied in this order.
const (
	penaltyMismatch = 0.5
	penaltyGap      = 0.7
	penaltySeq      = 0.5
	penaltyLag      = 0.8
	penaltyOutlier  = 0.8
)

// penaltyWindowMs is how long a quality finding keeps penalizing a block.
const penaltyWindowMs = int64(10_000)

// penalties carries the last time each quality finding hit a block.
type penalties struct {
	mismatchTs types.TimeMS
	gapTs      types.TimeMS
	seqTs      types.TimeMS
	lagTs      types.TimeMS
	outlierTs  types.TimeMS
}

func active(ts, now types.TimeMS) bool {
	return ts > 0 && int64(now-ts) < penaltyWindowMs
}

// factor returns the combined multiplicative penalty and its explanation
// parts, honoring the fixed application order.
func (p *penalties) factor(now types.TimeMS) (float64, []string) {
	f := 1.0
	var explain []string
	if active(p.mismatchTs, now) {
		f *= penaltyMismatch
		explain = append(explain, "mismatch x0.5")
	}
	if active(p.gapTs, now) {
		f *= penaltyGap
		explain = append(explain, "gap x0.7")
	}
	if active(p.seqTs, now) {
		f *= penaltySeq
		explain = append(explain, "seq x0.5")
	}
	if active(p.lagTs, now) {
		f *= penaltyLag
		explain = append(explain, "lag x0.8")
	}
	if active(p.outlierTs, now) {
		f *= penaltyOutlier
		explain = append(explain, "outlier x0.8")
	}
	return f, explain
}

// sourceObs is the per-source freshness bookkeeping within a block.
type sourceObs struct {
	lastSeen  types.TimeMS
	firstSeen types.TimeMS
	samples   int
}

// blockState is the confidence input state for one (symbol, block).
type blockState struct {
	sources    map[string]*sourceObs
	pen        penalties
	dropped    int             // stale sources dropped since last evaluation window
	droppedSet map[string]bool // sources currently considered degraded
}

func newBlockState() *blockState {
	return &blockState{
		sources:    make(map[string]*sourceObs),
		droppedSet: make(map[string]bool),
	}
}

// mark records an observation. It reports recovered=true when the source
// had previously been dropped as stale and is now flowing again.
func (b *blockState) mark(source string, ts types.TimeMS) (recovered bool) {
	obs := b.sources[source]
	if obs == nil {
		obs = &sourceObs{firstSeen: ts}
		b.sources[source] = obs
		if b.droppedSet[source] {
			delete(b.droppedSet, source)
			recovered = true
		}
	}
	obs.samples++
	if ts > obs.lastSeen {
		obs.lastSeen = ts
	}
	return recovered
}

// freshCount counts sources seen within ttlMs of now; the rest are dropped
// and returned so the caller can signal their degradation.
func (b *blockState) freshCount(now types.TimeMS, ttlMs int64) (int, []string) {
	fresh := 0
	var droppedNow []string
	for source, obs := range b.sources {
		if int64(now-obs.lastSeen) > ttlMs {
			delete(b.sources, source)
			b.dropped++
			if !b.droppedSet[source] {
				b.droppedSet[source] = true
				droppedNow = append(droppedNow, source)
			}
			continue
		}
		fresh++
	}
	return fresh, droppedNow
}

// score computes the block confidence.
//
//	base = fresh/expected            when the expected set is configured
//	     = fresh/(fresh+dropped)     otherwise
//
// then the ordered penalty ladder, per-source trust caps, and a final
// clamp to [0,1].
func (b *blockState) score(now types.TimeMS, ttlMs int64, expected int, haveExpected bool, caps map[string]float64) (float64, string) {
	score, explain, _ := b.scoreWithDrops(now, ttlMs, expected, haveExpected, caps)
	return score, explain
}

func (b *blockState) scoreWithDrops(now types.TimeMS, ttlMs int64, expected int, haveExpected bool, caps map[string]float64) (float64, string, []string) {
	fresh, droppedNow := b.freshCount(now, ttlMs)

	var base float64
	switch {
	case haveExpected && expected > 0:
		base = float64(fresh) / float64(expected)
		if base > 1 {
			base = 1
		}
	case fresh+b.dropped > 0:
		base = float64(fresh) / float64(fresh+b.dropped)
	}

	factor, explain := b.pen.factor(now)
	score := base * factor

	sourceCap := 1.0
	for source := range b.sources {
		if c, ok := caps[source]; ok && c < sourceCap {
			sourceCap = c
			explain = append(explain, fmt.Sprintf("cap %s %.2f", source, c))
		}
	}
	if score > sourceCap {
		score = sourceCap
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, strings.Join(explain, "; "), droppedNow
}
