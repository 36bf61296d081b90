package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"

	"marketpipe/pkg/types"
)

const (
	testStream = "bybit:orderbook:futures"
	testSymbol = "BTCUSDT"
)

func lvl(price, size string) types.PriceLevel {
	return types.PriceLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func snap(updateID types.Seq) types.OrderbookL2Snapshot {
	return types.OrderbookL2Snapshot{
		StreamID: testStream,
		Symbol:   testSymbol,
		UpdateID: updateID,
		Bids:     []types.PriceLevel{lvl("50000", "2"), lvl("49999", "1")},
		Asks:     []types.PriceLevel{lvl("50001", "3"), lvl("50002", "4")},
	}
}

func TestBookIgnoresDeltaBeforeSnapshot(t *testing.T) {
	t.Parallel()
	b := NewBook(testStream, testSymbol)

	res := b.ApplyDelta(types.OrderbookL2Delta{UpdateID: 5})
	if res != Ignored {
		t.Errorf("delta on UNINITIALIZED = %v, want Ignored", res)
	}
	if b.State() != StateUninitialized {
		t.Errorf("state = %v, want UNINITIALIZED", b.State())
	}
}

func TestBookSnapshotThenContiguousDelta(t *testing.T) {
	t.Parallel()
	b := NewBook(testStream, testSymbol)

	if res := b.ApplySnapshot(snap(10)); res != Applied {
		t.Fatalf("snapshot = %v, want Applied", res)
	}
	if b.State() != StateReady {
		t.Fatalf("state = %v, want READY", b.State())
	}

	res := b.ApplyDelta(types.OrderbookL2Delta{
		UpdateID:     11,
		PrevUpdateID: 10,
		Bids:         []types.PriceLevel{lvl("50000", "5")},
		Asks:         []types.PriceLevel{lvl("50001", "0")}, // zero removes the level
	})
	if res != Applied {
		t.Fatalf("contiguous delta = %v, want Applied", res)
	}
	if b.UpdateID() != 11 {
		t.Errorf("updateId = %d, want 11", b.UpdateID())
	}

	top := b.Top(10)
	if !top.OK {
		t.Fatal("Top not OK after applied delta")
	}
	if top.BestBid.String() != "50000" {
		t.Errorf("bestBid = %s", top.BestBid)
	}
	if top.BestAsk.String() != "50002" {
		t.Errorf("bestAsk = %s, want 50002 after removing 50001", top.BestAsk)
	}
}

func TestBookGapDropsState(t *testing.T) {
	t.Parallel()
	b := NewBook(testStream, testSymbol)
	b.ApplySnapshot(snap(10))

	res := b.ApplyDelta(types.OrderbookL2Delta{UpdateID: 15, PrevUpdateID: 13})
	if res != GapDetected {
		t.Fatalf("gap delta = %v, want GapDetected", res)
	}
	if b.State() != StateResyncing {
		t.Errorf("state = %v, want RESYNCING", b.State())
	}

	// While RESYNCING, deltas are ignored.
	if res := b.ApplyDelta(types.OrderbookL2Delta{UpdateID: 16, PrevUpdateID: 15}); res != Ignored {
		t.Errorf("delta in RESYNCING = %v, want Ignored", res)
	}

	// A fresh snapshot recovers.
	b.ApplySnapshot(snap(20))
	if b.State() != StateReady {
		t.Errorf("state after snapshot = %v, want READY", b.State())
	}
}

func TestBookDuplicateDelta(t *testing.T) {
	t.Parallel()
	b := NewBook(testStream, testSymbol)
	b.ApplySnapshot(snap(10))

	if res := b.ApplyDelta(types.OrderbookL2Delta{UpdateID: 10, PrevUpdateID: 9}); res != Duplicate {
		t.Errorf("replayed delta = %v, want Duplicate", res)
	}
	if b.State() != StateReady {
		t.Errorf("duplicate must not change state, state = %v", b.State())
	}
}

func TestBookSnapshotReplacesWhileReady(t *testing.T) {
	t.Parallel()
	b := NewBook(testStream, testSymbol)
	b.ApplySnapshot(snap(10))

	replacement := types.OrderbookL2Snapshot{
		StreamID: testStream,
		Symbol:   testSymbol,
		UpdateID: 30,
		Bids:     []types.PriceLevel{lvl("40000", "1")},
		Asks:     []types.PriceLevel{lvl("40001", "1")},
	}
	b.ApplySnapshot(replacement)

	top := b.Top(10)
	if top.BestBid.String() != "40000" || top.BestAsk.String() != "40001" {
		t.Errorf("snapshot did not replace book: %s/%s", top.BestBid, top.BestAsk)
	}
	if b.UpdateID() != 30 {
		t.Errorf("updateId = %d, want 30", b.UpdateID())
	}
}

func TestBookResetOnDisconnect(t *testing.T) {
	t.Parallel()
	b := NewBook(testStream, testSymbol)
	b.ApplySnapshot(snap(10))
	b.Reset()

	if b.State() != StateUninitialized {
		t.Fatalf("state after reset = %v, want UNINITIALIZED", b.State())
	}
	if res := b.ApplyDelta(types.OrderbookL2Delta{UpdateID: 11, PrevUpdateID: 10}); res != Ignored {
		t.Errorf("delta after reset = %v, want Ignored", res)
	}
	if top := b.Top(10); top.OK {
		t.Error("Top OK after reset, want empty")
	}
}

func TestTopDepthLimit(t *testing.T) {
	t.Parallel()
	b := NewBook(testStream, testSymbol)
	b.ApplySnapshot(types.OrderbookL2Snapshot{
		StreamID: testStream,
		Symbol:   testSymbol,
		UpdateID: 1,
		Bids:     []types.PriceLevel{lvl("100", "1"), lvl("99", "1"), lvl("98", "1")},
		Asks:     []types.PriceLevel{lvl("101", "2"), lvl("102", "2"), lvl("103", "2")},
	})

	top := b.Top(2)
	if top.DepthBid.String() != "2" {
		t.Errorf("depthBid = %s, want 2 (top 2 levels)", top.DepthBid)
	}
	if top.DepthAsk.String() != "4" {
		t.Errorf("depthAsk = %s, want 4 (top 2 levels)", top.DepthAsk)
	}
}
