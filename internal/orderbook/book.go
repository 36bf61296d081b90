// Package orderbook maintains per-(symbol, streamId) L2 book state from
// snapshot+delta streams.
//
// Each book is a small state machine:
//
//	UNINITIALIZED: deltas ignored; a snapshot applies and moves to READY.
//	READY:         contiguous deltas apply; a snapshot replaces; a gap moves
//	               to RESYNCING, drops state, and requests a resync.
//	RESYNCING:     deltas ignored until a fresh snapshot arrives.
//
// On a stream disconnect all books of that stream are cleared back to
// UNINITIALIZED, so no stale depth ever reaches the liquidity aggregator.
package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"marketpipe/pkg/types"
)

// State is the lifecycle of one book.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateReady         State = "READY"
	StateResyncing     State = "RESYNCING"
)

// ApplyResult reports what a snapshot/delta application did.
type ApplyResult int

const (
	Applied ApplyResult = iota
	Ignored             // wrong state for this input
	Duplicate           // updateId not advancing
	GapDetected         // non-contiguous delta, state dropped
)

// Book is the price-indexed L2 state for one (symbol, streamId).
// Level maps are keyed by the decimal string of the price so venue precision
// survives round trips.
type Book struct {
	streamID string
	symbol   string
	state    State
	updateID types.Seq
	bids     map[string]decimal.Decimal
	asks     map[string]decimal.Decimal
}

// NewBook creates an UNINITIALIZED book.
func NewBook(streamID, symbol string) *Book {
	return &Book{
		streamID: streamID,
		symbol:   symbol,
		state:    StateUninitialized,
		bids:     make(map[string]decimal.Decimal),
		asks:     make(map[string]decimal.Decimal),
	}
}

// State returns the current lifecycle state.
func (b *Book) State() State { return b.state }

// UpdateID returns the last applied update id.
func (b *Book) UpdateID() types.Seq { return b.updateID }

// ApplySnapshot replaces the book contents and moves to READY from any state.
func (b *Book) ApplySnapshot(snap types.OrderbookL2Snapshot) ApplyResult {
	b.bids = make(map[string]decimal.Decimal, len(snap.Bids))
	b.asks = make(map[string]decimal.Decimal, len(snap.Asks))
	for _, lvl := range snap.Bids {
		if lvl.Size.IsPositive() {
			b.bids[lvl.Price.String()] = lvl.Size
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Size.IsPositive() {
			b.asks[lvl.Price.String()] = lvl.Size
		}
	}
	b.updateID = snap.UpdateID
	b.state = StateReady
	return Applied
}

// ApplyDelta applies an incremental update. Contiguity holds when the
// delta's PrevUpdateID equals the current updateId, or, for venues that do
// not send a prev id, when UpdateID is exactly current+1.
func (b *Book) ApplyDelta(delta types.OrderbookL2Delta) ApplyResult {
	if b.state != StateReady {
		return Ignored
	}
	if delta.UpdateID <= b.updateID {
		return Duplicate
	}
	contiguous := delta.PrevUpdateID == b.updateID ||
		(delta.PrevUpdateID == 0 && delta.UpdateID == b.updateID+1)
	if !contiguous {
		b.drop()
		return GapDetected
	}
	applyLevels(b.bids, delta.Bids)
	applyLevels(b.asks, delta.Asks)
	b.updateID = delta.UpdateID
	return Applied
}

func applyLevels(side map[string]decimal.Decimal, levels []types.PriceLevel) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if lvl.Size.IsZero() || lvl.Size.IsNegative() {
			delete(side, key)
			continue
		}
		side[key] = lvl.Size
	}
}

// drop clears contents and marks the book RESYNCING. Deltas are ignored
// until a fresh snapshot arrives.
func (b *Book) drop() {
	b.bids = make(map[string]decimal.Decimal)
	b.asks = make(map[string]decimal.Decimal)
	b.updateID = 0
	b.state = StateResyncing
}

// Reset clears the book back to UNINITIALIZED (stream disconnect).
func (b *Book) Reset() {
	b.bids = make(map[string]decimal.Decimal)
	b.asks = make(map[string]decimal.Decimal)
	b.updateID = 0
	b.state = StateUninitialized
}

// Top summarizes the top levels of a READY book.
type Top struct {
	BestBid  decimal.Decimal
	BestAsk  decimal.Decimal
	DepthBid decimal.Decimal // total size over the top N bid levels
	DepthAsk decimal.Decimal
	Levels   int
	OK       bool // both sides populated
}

// Top computes best bid/ask and depth over the top n levels per side.
func (b *Book) Top(n int) Top {
	if b.state != StateReady || len(b.bids) == 0 || len(b.asks) == 0 {
		return Top{}
	}
	bidPrices := sortedPrices(b.bids, true)
	askPrices := sortedPrices(b.asks, false)

	top := Top{Levels: n, OK: true}
	top.BestBid = bidPrices[0]
	top.BestAsk = askPrices[0]
	for i, p := range bidPrices {
		if i >= n {
			break
		}
		top.DepthBid = top.DepthBid.Add(b.bids[p.String()])
	}
	for i, p := range askPrices {
		if i >= n {
			break
		}
		top.DepthAsk = top.DepthAsk.Add(b.asks[p.String()])
	}
	return top
}

func sortedPrices(side map[string]decimal.Decimal, desc bool) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, len(side))
	for key := range side {
		p, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool {
		if desc {
			return prices[i].GreaterThan(prices[j])
		}
		return prices[i].LessThan(prices[j])
	})
	return prices
}
