package ingress

import "marketpipe/pkg/types"

// seqFields accepts the sequence field spellings seen across venues.
// Snapshot frames prefer lastUpdateId; delta frames prefer seqId/u per the
// venue's documented convention.
type seqFields struct {
	SeqID        *uint64 `json:"seqId,omitempty"`
	Seq          *uint64 `json:"seq,omitempty"`
	LastUpdateID *uint64 `json:"lastUpdateId,omitempty"`
	U            *uint64 `json:"u,omitempty"`
}

// coerce picks the single numeric sequence. snapshot selects the
// snapshot-preferred field order.
func (s seqFields) coerce(snapshot bool) types.Seq {
	order := []*uint64{s.SeqID, s.U, s.Seq, s.LastUpdateID}
	if snapshot {
		order = []*uint64{s.LastUpdateID, s.SeqID, s.U, s.Seq}
	}
	for _, p := range order {
		if p != nil && *p > 0 {
			return types.Seq(*p)
		}
	}
	return 0
}
