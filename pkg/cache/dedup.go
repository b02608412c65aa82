package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DedupConfig holds configuration for the in-memory deduplication cache.
type DedupConfig struct {
	// Window is how long an id is treated as already processed. It should
	// exceed the broker's maximum redelivery delay.
	Window time.Duration
	// SweepInterval throttles the opportunistic sweep run from Seen. Zero
	// sweeps on every call.
	SweepInterval time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// NewDedupDefaults provides a config with a one hour window.
func NewDedupDefaults() *DedupConfig {
	return &DedupConfig{
		Window: time.Hour,
	}
}

// InMemoryDedup is a bounded, time-windowed, thread-safe record of event ids.
// It is local to one process and does not deduplicate across instances.
type InMemoryDedup struct {
	window        time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

// NewInMemoryDedup creates a new windowed dedup cache.
func NewInMemoryDedup(cfg *DedupConfig, logger zerolog.Logger) *InMemoryDedup {
	if cfg == nil {
		cfg = NewDedupDefaults()
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &InMemoryDedup{
		window:        window,
		sweepInterval: cfg.SweepInterval,
		now:           now,
		logger:        logger.With().Str("component", "InMemoryDedup").Logger(),
		seen:          make(map[string]time.Time),
	}
}

// Seen reports whether id was recorded within the window and records it.
// An entry older than the window counts as new and its timestamp is refreshed.
func (d *InMemoryDedup) Seen(_ context.Context, id string) (bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sweepInterval <= 0 || now.Sub(d.lastSweep) >= d.sweepInterval {
		d.sweepLocked(now)
	}

	if seenAt, ok := d.seen[id]; ok && now.Sub(seenAt) < d.window {
		return true, nil
	}
	d.seen[id] = now
	return false, nil
}

// Sweep removes every entry older than the window relative to now and
// returns how many were removed.
func (d *InMemoryDedup) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sweepLocked(now)
}

// sweepLocked must be called with d.mu held.
func (d *InMemoryDedup) sweepLocked(now time.Time) int {
	removed := 0
	for id, seenAt := range d.seen {
		if now.Sub(seenAt) >= d.window {
			delete(d.seen, id)
			removed++
		}
	}
	d.lastSweep = now
	return removed
}

// Len returns the number of ids currently held.
func (d *InMemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// StartSweeper runs Sweep on a fixed interval until ctx is cancelled. The
// returned channel is closed once the sweeper goroutine has exited.
func (d *InMemoryDedup) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		interval = d.window / 4
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := d.Sweep(d.now()); removed > 0 {
					d.logger.Debug().Int("removed", removed).Msg("Swept expired dedup entries.")
				}
			}
		}
	}()
	return done
}
