package types

// Lifecycle, quality, storage, state and replay payloads. These are the
// control-plane vocabulary: small structs, one per topic.

// ConnectRequest asks a gateway to connect its venue transport.
type ConnectRequest struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
}

// DisconnectRequest asks a gateway to drop its venue transport.
type DisconnectRequest struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Reason     string     `json:"reason,omitempty"`
}

// SubscribeRequest asks a gateway to subscribe venue channels for symbols.
type SubscribeRequest struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Channels   []string   `json:"channels"` // ticker, trade, orderbook, kline, oi, funding, liquidation
	Symbols    []string   `json:"symbols"`
	TFs        []string   `json:"tfs,omitempty"` // kline intervals
}

// ConnectedEvent reports a venue transport (re)connect.
type ConnectedEvent struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	StreamIDs  []string   `json:"streamIds,omitempty"`
}

// DisconnectedEvent reports a venue transport drop. Stream-bound state
// (orderbooks, liquidity) must be cleared on receipt.
type DisconnectedEvent struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	StreamIDs  []string   `json:"streamIds,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// ErrorEvent reports a transport or subscribe failure.
type ErrorEvent struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Phase      string     `json:"phase"` // connect | subscribe | read | write
	Err        string     `json:"error"`
}

// ResyncRequest asks the owning gateway to resync an orderbook stream.
type ResyncRequest struct {
	Meta     Meta   `json:"meta"`
	Venue    string `json:"venue"`
	StreamID string `json:"streamId"`
	Symbol   string `json:"symbol"`
	Reason   string `json:"reason"` // gap | stale | manual
	LastSeq  Seq    `json:"lastSeq,omitempty"`
}

// KlineBootstrapRequest asks a gateway to backfill klines over REST.
type KlineBootstrapRequest struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbols    []string   `json:"symbols"`
	TFs        []string   `json:"tfs"`
	Limit      int        `json:"limit"`
}

// KlineBootstrapCompleted reports a finished kline backfill.
type KlineBootstrapCompleted struct {
	Meta       Meta       `json:"meta"`
	Venue      string     `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbol     string     `json:"symbol"`
	TF         string     `json:"tf"`
	Count      int        `json:"count"`
}

// Quality signal payloads. Aggregators and readiness apply penalties on
// these rather than failing.

// GapEvent reports a sequence gap on a stream/topic.
type GapEvent struct {
	Meta        Meta   `json:"meta"`
	StreamID    string `json:"streamId"`
	Topic       string `json:"topic"`
	Symbol      string `json:"symbol"`
	TF          string `json:"tf,omitempty"`
	ExpectedSeq Seq    `json:"expectedSeq"`
	ObservedSeq Seq    `json:"observedSeq"`
	Missed      uint64 `json:"missed"`
}

// OutOfOrderEvent reports an event-time regression on a stream/topic.
type OutOfOrderEvent struct {
	Meta     Meta   `json:"meta"`
	StreamID string `json:"streamId"`
	Topic    string `json:"topic"`
	Symbol   string `json:"symbol"`
	TF       string `json:"tf,omitempty"`
	PrevTs   TimeMS `json:"prevTs"`
	Ts       TimeMS `json:"ts"`
}

// DuplicateEvent reports a replayed sequence or trade id on a stream.
type DuplicateEvent struct {
	Meta     Meta   `json:"meta"`
	StreamID string `json:"streamId"`
	Topic    string `json:"topic"`
	Symbol   string `json:"symbol"`
	Seq      Seq    `json:"seq,omitempty"`
	Key      string `json:"key,omitempty"`
}

// LatencySpikeEvent reports tsIngest - tsExchange above threshold.
type LatencySpikeEvent struct {
	Meta        Meta   `json:"meta"`
	StreamID    string `json:"streamId"`
	Topic       string `json:"topic"`
	Symbol      string `json:"symbol"`
	LatencyMs   int64  `json:"latencyMs"`
	ThresholdMs int64  `json:"thresholdMs"`
}

// StaleEvent reports a source exceeding its staleness rule.
type StaleEvent struct {
	Meta        Meta   `json:"meta"`
	StreamID    string `json:"streamId"`
	Topic       string `json:"topic"`
	Symbol      string `json:"symbol"`
	AgeMs       int64  `json:"ageMs"`
	ThresholdMs int64  `json:"thresholdMs"`
}

// MismatchEvent reports cross-venue divergence beyond threshold, or a
// suppressed comparison when no comparable unit basis exists.
type MismatchEvent struct {
	Meta              Meta               `json:"meta"`
	Topic             string             `json:"topic"`
	Symbol            string             `json:"symbol"`
	Baseline          string             `json:"baseline,omitempty"`
	Values            map[string]float64 `json:"values,omitempty"`
	DeviationPct      float64            `json:"deviationPct,omitempty"`
	Suppressed        bool               `json:"suppressed,omitempty"`
	SuppressionReason string             `json:"suppressionReason,omitempty"`
}

// SourceHealthEvent reports a source degradation or recovery.
type SourceHealthEvent struct {
	Meta     Meta   `json:"meta"`
	StreamID string `json:"streamId"`
	Symbol   string `json:"symbol"`
	Reason   string `json:"reason"`
}

// ConfidenceEvent carries a block confidence update for observability.
type ConfidenceEvent struct {
	Meta       Meta    `json:"meta"`
	Symbol     string  `json:"symbol"`
	Block      Block   `json:"block"`
	Score      float64 `json:"score"`
	Explain    string  `json:"explain,omitempty"`
	BucketTs   TimeMS  `json:"bucketTs,omitempty"`
}

// StorageWriteFailed reports a journal flush failure; the write is retried
// with backoff on the journal worker.
type StorageWriteFailed struct {
	Meta    Meta   `json:"meta"`
	Path    string `json:"path"`
	Err     string `json:"error"`
	Retry   int    `json:"retry"`
	Records int    `json:"records"`
}

// SnapshotRequested asks the snapshot coordinator for an immediate save.
type SnapshotRequested struct {
	Meta   Meta   `json:"meta"`
	Reason string `json:"reason,omitempty"`
}

// SnapshotWritten reports a completed state snapshot.
type SnapshotWritten struct {
	Meta  Meta   `json:"meta"`
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// RecoveryRequested asks the snapshot coordinator to restore state.
type RecoveryRequested struct {
	Meta Meta   `json:"meta"`
	Path string `json:"path,omitempty"`
}

// RecoveryLoaded reports a successful state restore.
type RecoveryLoaded struct {
	Meta Meta   `json:"meta"`
	Path string `json:"path"`
}

// RecoveryFailed reports a failed restore; boot continues with empty state.
type RecoveryFailed struct {
	Meta Meta   `json:"meta"`
	Path string `json:"path"`
	Err  string `json:"error"`
}

// ReplayWarning reports a skipped corrupt or invalid journal record.
type ReplayWarning struct {
	Meta Meta   `json:"meta"`
	File string `json:"file"`
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// ReplayFinished reports replay completion with counts.
type ReplayFinished struct {
	Meta    Meta   `json:"meta"`
	Topic   string `json:"topic"`
	Emitted int    `json:"emitted"`
	Skipped int    `json:"skipped"`
}

// ReplayError reports an unrecoverable replay layout failure.
type ReplayError struct {
	Meta Meta   `json:"meta"`
	Err  string `json:"error"`
}
