package types

import (
	"strconv"
	"time"
)

// TimeMS is a timestamp in milliseconds since the Unix epoch, nominally UTC.
// Branded so a millisecond count is never confused with seconds or nanos.
type TimeMS int64

// Seq is a per-stream or per-run sequence number.
type Seq uint64

// NowMS converts a time.Time to TimeMS.
func NowMS(t time.Time) TimeMS {
	return TimeMS(t.UnixMilli())
}

// Time converts back to a time.Time in UTC.
func (t TimeMS) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// String renders the millisecond count. Used as the correlation fallback, so
// the format is load-bearing: plain base-10 digits, no separators.
func (t TimeMS) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// Clock yields the current time. Every component that throttles, buckets, or
// stamps events takes one so tests can drive time deterministically.
type Clock func() time.Time

// Meta is the envelope carried by every event on the bus.
//
// TsEvent is the authoritative time for bucketing and replay. Ts is kept as
// an alias of TsEvent for back-compat readers of journaled records.
type Meta struct {
	Source        string `json:"source"`
	TsEvent       TimeMS `json:"tsEvent"`
	Ts            TimeMS `json:"ts"`
	TsIngest      TimeMS `json:"tsIngest,omitempty"`
	TsExchange    TimeMS `json:"tsExchange,omitempty"`
	Sequence      Seq    `json:"sequence,omitempty"`
	StreamID      string `json:"streamId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// MetaOpt mutates a Meta under construction.
type MetaOpt func(*Meta)

// WithTsEvent overrides the event time (and its Ts alias).
func WithTsEvent(ts TimeMS) MetaOpt {
	return func(m *Meta) { m.TsEvent = ts; m.Ts = ts }
}

// WithTsIngest overrides the ingest time.
func WithTsIngest(ts TimeMS) MetaOpt {
	return func(m *Meta) { m.TsIngest = ts }
}

// WithTsExchange sets the venue-reported time.
func WithTsExchange(ts TimeMS) MetaOpt {
	return func(m *Meta) { m.TsExchange = ts }
}

// WithSequence sets the per-stream sequence.
func WithSequence(seq Seq) MetaOpt {
	return func(m *Meta) { m.Sequence = seq }
}

// WithStreamID sets the stream identity.
func WithStreamID(id string) MetaOpt {
	return func(m *Meta) { m.StreamID = id }
}

// WithCorrelationID sets the correlation chain id.
func WithCorrelationID(id string) MetaOpt {
	return func(m *Meta) { m.CorrelationID = id }
}

// NewMeta builds a Meta for a freshly observed event. TsEvent and TsIngest
// default to now.
func NewMeta(source string, now Clock, opts ...MetaOpt) Meta {
	ts := NowMS(now())
	m := Meta{
		Source:   source,
		TsEvent:  ts,
		Ts:       ts,
		TsIngest: ts,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// InheritMeta builds the Meta for an event caused by parent. The correlation
// id is preserved; when the parent has none, the parent's TsEvent rendered as
// a string is substituted (not globally unique, kept for back-compat trace
// grouping). Ingest/exchange time, sequence and streamId carry forward
// unless overridden. Source is reset to the emitting component.
func InheritMeta(parent Meta, source string, now Clock, opts ...MetaOpt) Meta {
	corr := parent.CorrelationID
	if corr == "" {
		corr = parent.TsEvent.String()
	}
	ts := NowMS(now())
	m := Meta{
		Source:        source,
		TsEvent:       ts,
		Ts:            ts,
		TsIngest:      parent.TsIngest,
		TsExchange:    parent.TsExchange,
		Sequence:      parent.Sequence,
		StreamID:      parent.StreamID,
		CorrelationID: corr,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}
