// Package quality implements the per-stream data-quality bookkeeping:
// sequence gaps, duplicates, event-time regressions, latency spikes, and
// the rule-based staleness policy.
//
// The tracker is pure bookkeeping; its caller (the journal tap) turns
// findings into data:* events. Aggregators and the
// readiness engine apply penalties on those events rather than failing.
package quality

import (
	"marketpipe/pkg/types"
)

// IssueKind enumerates tracker findings.
type IssueKind int

const (
	IssueGap IssueKind = iota
	IssueDuplicate
	IssueOutOfOrder
	IssueLatencySpike
)

// Issue is one finding for an observed event.
type Issue struct {
	Kind        IssueKind
	ExpectedSeq types.Seq
	ObservedSeq types.Seq
	Missed      uint64
	PrevTs      types.TimeMS
	Ts          types.TimeMS
	LatencyMs   int64
	ThresholdMs int64
}

type streamKey struct {
	topic    string
	streamID string
	tf       string
}

type streamState struct {
	lastSeq    types.Seq
	haveSeq    bool
	lastTs     types.TimeMS
	haveTs     bool
	samples    int
	lastSeenAt types.TimeMS
}

// Tracker keeps per-(topic, stream[, tf]) sequence and time expectations.
// Klines track per-tf; everything else per stream only. State is evicted by
// TTL so unknown symbols cannot grow memory without bound.
type Tracker struct {
	latencySpikeMs int64
	streams        map[streamKey]*streamState
}

// NewTracker creates a tracker with the given latency spike threshold.
func NewTracker(latencySpikeMs int64) *Tracker {
	return &Tracker{
		latencySpikeMs: latencySpikeMs,
		streams:        make(map[streamKey]*streamState),
	}
}

// Observe records one event and returns any findings. seq==0 means the
// stream carries no sequence; tsExchange==0 disables the latency check.
func (t *Tracker) Observe(topic, streamID, tf string, seq types.Seq, tsEvent, tsIngest, tsExchange types.TimeMS) []Issue {
	key := streamKey{topic: topic, streamID: streamID, tf: tf}
	st, ok := t.streams[key]
	if !ok {
		st = &streamState{}
		t.streams[key] = st
	}
	st.samples++
	st.lastSeenAt = tsIngest

	var issues []Issue

	if seq > 0 {
		if st.haveSeq {
			switch {
			case seq == st.lastSeq:
				issues = append(issues, Issue{Kind: IssueDuplicate, ObservedSeq: seq})
			case seq < st.lastSeq:
				issues = append(issues, Issue{
					Kind:        IssueOutOfOrder,
					ExpectedSeq: st.lastSeq + 1,
					ObservedSeq: seq,
				})
			case seq > st.lastSeq+1:
				issues = append(issues, Issue{
					Kind:        IssueGap,
					ExpectedSeq: st.lastSeq + 1,
					ObservedSeq: seq,
					Missed:      uint64(seq - st.lastSeq - 1),
				})
			}
		}
		if seq > st.lastSeq {
			st.lastSeq = seq
		}
		st.haveSeq = true
	}

	if tsEvent > 0 {
		if st.haveTs && tsEvent < st.lastTs {
			issues = append(issues, Issue{
				Kind:   IssueOutOfOrder,
				PrevTs: st.lastTs,
				Ts:     tsEvent,
			})
		}
		if tsEvent > st.lastTs {
			st.lastTs = tsEvent
		}
		st.haveTs = true
	}

	if tsExchange > 0 && tsIngest > 0 && t.latencySpikeMs > 0 {
		if lat := int64(tsIngest - tsExchange); lat > t.latencySpikeMs {
			issues = append(issues, Issue{
				Kind:        IssueLatencySpike,
				LatencyMs:   lat,
				ThresholdMs: t.latencySpikeMs,
			})
		}
	}

	return issues
}

// Samples reports how many events a stream has contributed.
func (t *Tracker) Samples(topic, streamID, tf string) int {
	st, ok := t.streams[streamKey{topic: topic, streamID: streamID, tf: tf}]
	if !ok {
		return 0
	}
	return st.samples
}

// Evict drops stream state unseen since cutoff.
func (t *Tracker) Evict(cutoff types.TimeMS) {
	for key, st := range t.streams {
		if st.lastSeenAt < cutoff {
			delete(t.streams, key)
		}
	}
}
