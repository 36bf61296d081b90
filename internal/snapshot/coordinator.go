// Package snapshot periodically persists component state to disk and
// restores it on boot.
//
// State files are msgpack-encoded and written with atomic replacement
// (write to .tmp, then rename) so a crash mid-save never corrupts the last
// good snapshot. A failed recovery emits state:recovery_failed and boots
// with empty state; it never aborts startup.
package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"github.com/vmihailenco/msgpack/v5"

	"marketpipe/internal/bus"
	"marketpipe/pkg/types"
)

// Provider registers one component's exportable state under a stable name.
type Provider struct {
	Name    string
	Export  func() any
	Restore func(raw []byte) error
}

// Coordinator owns the snapshot schedule and the state file.
type Coordinator struct {
	b         *bus.Bus
	dir       string
	schedule  string
	now       types.Clock
	logger    *slog.Logger
	providers []Provider
	cron      *cron.Cron
	subs      []bus.Subscription
}

// New creates a snapshot coordinator. The schedule is a cron spec with
// seconds field (default: every minute).
func New(b *bus.Bus, dir, schedule string, now types.Clock, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		b:        b,
		dir:      dir,
		schedule: schedule,
		now:      now,
		logger:   logger.With("component", "snapshot"),
	}
}

// Register adds a state provider. Must be called before Start.
func (c *Coordinator) Register(p Provider) {
	c.providers = append(c.providers, p)
}

// Start schedules periodic saves and registers bus subscriptions.
func (c *Coordinator) Start() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	c.subs = append(c.subs,
		bus.Subscribe(c.b, bus.TopicSnapshotRequested, func(evt types.SnapshotRequested) {
			c.Save()
		}),
		bus.Subscribe(c.b, bus.TopicRecoveryRequested, func(evt types.RecoveryRequested) {
			c.Recover()
		}),
	)

	c.cron = cron.New(cron.WithSeconds())
	if _, err := c.cron.AddFunc(c.schedule, c.Save); err != nil {
		return fmt.Errorf("snapshot schedule: %w", err)
	}
	c.cron.Start()
	return nil
}

// Stop cancels the schedule and takes a final snapshot.
func (c *Coordinator) Stop() {
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.subs = nil
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.Save()
}

func (c *Coordinator) path() string {
	return filepath.Join(c.dir, "state.msgpack")
}

// Save atomically persists all registered providers' state.
func (c *Coordinator) Save() {
	states := make(map[string]msgpack.RawMessage, len(c.providers))
	for _, p := range c.providers {
		raw, err := msgpack.Marshal(p.Export())
		if err != nil {
			c.logger.Error("snapshot: marshal failed", "provider", p.Name, "error", err)
			continue
		}
		states[p.Name] = raw
	}
	data, err := msgpack.Marshal(states)
	if err != nil {
		c.logger.Error("snapshot: marshal failed", "error", err)
		return
	}

	path := c.path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		c.logger.Error("snapshot: write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.logger.Error("snapshot: rename failed", "error", err)
		return
	}

	bus.Publish(c.b, bus.TopicSnapshotWritten, types.SnapshotWritten{
		Meta:  types.NewMeta("snapshot", c.now),
		Path:  path,
		Bytes: len(data),
	})
}

// Recover restores provider state from the last snapshot. Missing file is
// a fresh boot, not an error.
func (c *Coordinator) Recover() {
	path := c.path()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		c.fail(path, err)
		return
	}
	var states map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &states); err != nil {
		c.fail(path, err)
		return
	}
	for _, p := range c.providers {
		raw, ok := states[p.Name]
		if !ok {
			continue
		}
		if err := p.Restore(raw); err != nil {
			c.logger.Warn("snapshot: restore failed, keeping empty state",
				"provider", p.Name,
				"error", err,
			)
		}
	}
	bus.Publish(c.b, bus.TopicRecoveryLoaded, types.RecoveryLoaded{
		Meta: types.NewMeta("snapshot", c.now),
		Path: path,
	})
}

func (c *Coordinator) fail(path string, err error) {
	c.logger.Warn("snapshot: recovery failed, booting with empty state", "error", err)
	bus.Publish(c.b, bus.TopicRecoveryFailed, types.RecoveryFailed{
		Meta: types.NewMeta("snapshot", c.now),
		Path: path,
		Err:  err.Error(),
	})
}
