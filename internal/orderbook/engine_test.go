package orderbook

import (
	"log/slog"
	"testing"
	"time"

	"marketpipe/internal/bus"
	"marketpipe/pkg/types"
)

func testClock() types.Clock {
	return func() time.Time { return time.UnixMilli(1_700_000_000_000) }
}

func newEngineUnderTest(t *testing.T) (*bus.Bus, *Engine) {
	t.Helper()
	b := bus.New(slog.Default())
	e := NewEngine(b, 10, testClock(), slog.Default())
	e.Start()
	t.Cleanup(e.Stop)
	return b, e
}

func meta(ts types.TimeMS) types.Meta {
	return types.Meta{Source: "test", TsEvent: ts, Ts: ts, TsIngest: ts, StreamID: testStream}
}

func publishSnapshot(b *bus.Bus, updateID types.Seq) {
	s := snap(updateID)
	s.Meta = meta(1000)
	bus.Publish(b, bus.TopicOrderbookL2Snapshot, s)
}

func TestEngineEmitsBookTop(t *testing.T) {
	t.Parallel()
	b, _ := newEngineUnderTest(t)

	var tops []types.BookTopSample
	bus.Subscribe(b, bus.TopicBookTop, func(s types.BookTopSample) { tops = append(tops, s) })

	publishSnapshot(b, 10)

	if len(tops) != 1 {
		t.Fatalf("book top samples = %d, want 1", len(tops))
	}
	if tops[0].BestBid != 50000 || tops[0].BestAsk != 50001 {
		t.Errorf("top = %+v", tops[0])
	}
	if tops[0].StreamID != testStream || tops[0].Symbol != testSymbol {
		t.Errorf("identity = %s/%s", tops[0].StreamID, tops[0].Symbol)
	}
}

func TestEngineGapPublishesResync(t *testing.T) {
	t.Parallel()
	b, e := newEngineUnderTest(t)

	var resyncs []types.ResyncRequest
	bus.Subscribe(b, bus.TopicResyncRequested, func(r types.ResyncRequest) { resyncs = append(resyncs, r) })

	publishSnapshot(b, 10)
	delta := types.OrderbookL2Delta{
		Meta:         meta(1001),
		StreamID:     testStream,
		Symbol:       testSymbol,
		UpdateID:     15,
		PrevUpdateID: 13,
	}
	bus.Publish(b, bus.TopicOrderbookL2Delta, delta)

	if len(resyncs) != 1 {
		t.Fatalf("resync requests = %d, want 1", len(resyncs))
	}
	if resyncs[0].Reason != "gap" {
		t.Errorf("reason = %q, want gap", resyncs[0].Reason)
	}
	if resyncs[0].Venue != "bybit" {
		t.Errorf("venue = %q, want bybit", resyncs[0].Venue)
	}
	if e.BookState(testStream, testSymbol) != StateResyncing {
		t.Errorf("state = %v, want RESYNCING", e.BookState(testStream, testSymbol))
	}
}

// Scenario: after market:disconnected no liquidity input flows until a new
// snapshot is applied.
func TestEngineDisconnectSuppressesTops(t *testing.T) {
	t.Parallel()
	b, e := newEngineUnderTest(t)

	var tops int
	bus.Subscribe(b, bus.TopicBookTop, func(types.BookTopSample) { tops++ })

	publishSnapshot(b, 10)
	if tops != 1 {
		t.Fatalf("tops after snapshot = %d, want 1", tops)
	}

	bus.Publish(b, bus.TopicDisconnected, types.DisconnectedEvent{
		Venue:     "bybit",
		StreamIDs: []string{testStream},
	})
	if e.BookState(testStream, testSymbol) != StateUninitialized {
		t.Fatalf("state after disconnect = %v", e.BookState(testStream, testSymbol))
	}

	// A delta after disconnect must not produce a sample.
	bus.Publish(b, bus.TopicOrderbookL2Delta, types.OrderbookL2Delta{
		Meta:         meta(1002),
		StreamID:     testStream,
		Symbol:       testSymbol,
		UpdateID:     11,
		PrevUpdateID: 10,
	})
	if tops != 1 {
		t.Fatalf("tops after post-disconnect delta = %d, want still 1", tops)
	}

	// A fresh snapshot resumes the flow.
	publishSnapshot(b, 20)
	if tops != 2 {
		t.Errorf("tops after fresh snapshot = %d, want 2", tops)
	}
}
