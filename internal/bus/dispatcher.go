package bus

import "context"

// Dispatcher serializes event injection from I/O worker goroutines
// (websocket readers, REST fetchers, timers) onto one logical dispatch
// goroutine. Handlers therefore observe a total order per topic and
// components need no internal locking.
type Dispatcher struct {
	ch chan func()
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(size int) *Dispatcher {
	if size <= 0 {
		size = 4096
	}
	return &Dispatcher{ch: make(chan func(), size)}
}

// Enqueue schedules fn on the dispatch goroutine. Blocks when the queue is
// full: transports prefer backpressure over silent loss.
func (d *Dispatcher) Enqueue(fn func()) {
	d.ch <- fn
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-d.ch:
			fn()
		}
	}
}
