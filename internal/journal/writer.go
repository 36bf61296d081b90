// Package journal implements the durable, partitioned, append-only event
// journal and its quality tap.
//
// Records are JSON lines under
//
//	<base>/<streamId>/<symbol>/<topicDir>/[tf/]<runId>/<YYYY-MM-DD>.jsonl
//
// with aggregated outputs kept strictly apart under
//
//	<base>/aggregated/<topicDir>/<symbol>/<runId>/<YYYY-MM-DD>.jsonl
//
// Writes are batched on a worker goroutine with a bounded queue; the
// publishing path never blocks on I/O beyond the enqueue.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type entry struct {
	path string // full file path including date segment
	line []byte
}

// Writer batches journal lines and appends them to their partition files.
// On a write failure it reports through onError and retries with backoff.
type Writer struct {
	queue         chan entry
	batchSize     int
	flushInterval time.Duration
	retryBackoff  time.Duration
	maxRetries    int
	logger        *slog.Logger

	// onError observes flush failures (path, error, attempt, batch size).
	onError func(path string, err error, attempt, records int)

	dropped int64
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewWriter creates a journal writer.
func NewWriter(queueSize, batchSize int, flushInterval, retryBackoff time.Duration, maxRetries int, onError func(string, error, int, int), logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Writer{
		queue:         make(chan entry, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryBackoff:  retryBackoff,
		maxRetries:    maxRetries,
		onError:       onError,
		logger:        logger.With("component", "journal_writer"),
	}
}

// Enqueue queues one line for its partition file. Never blocks: when the
// queue is full the line is dropped and counted, keeping the dispatcher
// isolated from disk stalls.
func (w *Writer) Enqueue(path string, line []byte) bool {
	select {
	case w.queue <- entry{path: path, line: line}:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		n := w.dropped
		w.mu.Unlock()
		if n%1000 == 1 {
			w.logger.Warn("journal queue full, dropping records", "dropped", n)
		}
		return false
	}
}

// Dropped reports how many lines were lost to queue overflow.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Run drains the queue, flushing per-file batches when the batch size or
// the flush interval is reached. Blocks until ctx is cancelled, then does a
// final flush. Callers must invoke Add before launching Run in a goroutine.
func (w *Writer) Run(ctx context.Context) {
	defer w.wg.Done()

	batches := make(map[string][][]byte)
	pending := 0
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		for path, lines := range batches {
			w.flushFile(path, lines)
			delete(batches, path)
		}
		pending = 0
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued, then flush.
			for {
				select {
				case e := <-w.queue:
					batches[e.path] = append(batches[e.path], e.line)
				default:
					flush()
					return
				}
			}
		case e := <-w.queue:
			batches[e.path] = append(batches[e.path], e.line)
			pending++
			if pending >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			if pending > 0 {
				flush()
			}
		}
	}
}

// Wait blocks until Run has returned.
func (w *Writer) Wait() { w.wg.Wait() }

// flushFile appends a batch to one partition file, retrying with backoff.
func (w *Writer) flushFile(path string, lines [][]byte) {
	var buf []byte
	for _, line := range lines {
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	backoff := w.retryBackoff
	for attempt := 0; ; attempt++ {
		err := appendFile(path, buf)
		if err == nil {
			return
		}
		if w.onError != nil {
			w.onError(path, err, attempt+1, len(lines))
		}
		if attempt+1 >= w.maxRetries {
			w.logger.Error("journal flush giving up", "path", path, "error", err, "records", len(lines))
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// topicDir maps a topic name onto a filesystem-safe directory segment.
func topicDir(topic string) string {
	return strings.ReplaceAll(topic, ":", "_")
}
