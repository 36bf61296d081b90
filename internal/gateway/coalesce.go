package gateway

import (
	"sync"
	"time"

	"marketpipe/pkg/types"
)

// Coalescer suppresses resync storms. Within cooldown, repeated requests
// for the same (venue, symbol) are dropped; within reasonCooldown, repeated
// requests with the same (venue, reason) are dropped regardless of symbol.
// One gap cascading through every delta must cause exactly one
// disconnect-reconnect.
type Coalescer struct {
	mu             sync.Mutex
	cooldown       time.Duration
	reasonCooldown time.Duration
	bySymbol       map[string]types.TimeMS // venue|symbol -> last accepted
	byReason       map[string]types.TimeMS // venue|reason -> last accepted
}

// NewCoalescer creates a coalescer with the configured cooldowns.
func NewCoalescer(cooldown, reasonCooldown time.Duration) *Coalescer {
	return &Coalescer{
		cooldown:       cooldown,
		reasonCooldown: reasonCooldown,
		bySymbol:       make(map[string]types.TimeMS),
		byReason:       make(map[string]types.TimeMS),
	}
}

// Allow reports whether a resync for (venue, symbol, reason) may proceed at
// now, and records it when allowed.
func (c *Coalescer) Allow(venue, symbol, reason string, now types.TimeMS) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	symKey := venue + "|" + symbol
	if last, ok := c.bySymbol[symKey]; ok && int64(now-last) < c.cooldown.Milliseconds() {
		return false
	}
	reasonKey := venue + "|" + reason
	if last, ok := c.byReason[reasonKey]; ok && int64(now-last) < c.reasonCooldown.Milliseconds() {
		return false
	}

	c.bySymbol[symKey] = now
	c.byReason[reasonKey] = now
	return true
}
