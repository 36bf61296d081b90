package gateway

import (
	"testing"
	"time"

	"marketpipe/pkg/types"
)

func newTestCoalescer() *Coalescer {
	return NewCoalescer(time.Second, 2*time.Second)
}

// N consecutive requests within the cooldown collapse to exactly one.
func TestCoalescerSuppressesBurst(t *testing.T) {
	t.Parallel()
	c := newTestCoalescer()

	accepted := 0
	for i := 0; i < 10; i++ {
		if c.Allow("bybit", "BTCUSDT", "gap", types.TimeMS(10_000+int64(i)*50)) {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want exactly 1 within cooldown", accepted)
	}
}

func TestCoalescerAllowsAfterCooldown(t *testing.T) {
	t.Parallel()
	c := newTestCoalescer()

	if !c.Allow("bybit", "BTCUSDT", "gap", 10_000) {
		t.Fatal("first request refused")
	}
	if c.Allow("bybit", "BTCUSDT", "gap", 10_900) {
		t.Error("accepted within symbol cooldown")
	}
	// Past both cooldowns (symbol 1s, reason 2s).
	if !c.Allow("bybit", "BTCUSDT", "gap", 12_100) {
		t.Error("refused after both cooldowns elapsed")
	}
}

// The per-reason cooldown spans symbols of the same venue.
func TestCoalescerReasonCooldownAcrossSymbols(t *testing.T) {
	t.Parallel()
	c := newTestCoalescer()

	if !c.Allow("bybit", "BTCUSDT", "gap", 10_000) {
		t.Fatal("first request refused")
	}
	// Different symbol, same reason, inside the 2s reason cooldown.
	if c.Allow("bybit", "ETHUSDT", "gap", 11_500) {
		t.Error("accepted within reason cooldown")
	}
	// Different reason is independent.
	if !c.Allow("bybit", "ETHUSDT", "stale", 11_500) {
		t.Error("different reason refused")
	}
}

func TestCoalescerVenuesIndependent(t *testing.T) {
	t.Parallel()
	c := newTestCoalescer()

	if !c.Allow("bybit", "BTCUSDT", "gap", 10_000) {
		t.Fatal("first request refused")
	}
	if !c.Allow("okx", "BTCUSDT", "gap", 10_001) {
		t.Error("other venue refused")
	}
}
