// Package cache provides the deduplication caches used by the event pipeline
// and the invalidators domain handlers use to evict read-model entries.
package cache

import (
	"context"
)

// DedupCache records event ids that have already been dispatched.
type DedupCache interface {
	// Seen reports whether id was recorded inside the dedup window and records
	// it unconditionally. The check and the insert are a single atomic step,
	// so two concurrent deliveries of the same id cannot both observe false.
	Seen(ctx context.Context, id string) (bool, error)
}

// Invalidator is the eviction capability handlers call after a successful
// domain mutation. Scope is an opaque key such as "customer:42".
type Invalidator interface {
	Invalidate(ctx context.Context, scope string) error
}

// InvalidatorFunc adapts a plain function to the Invalidator interface.
type InvalidatorFunc func(ctx context.Context, scope string) error

// Invalidate calls f(ctx, scope).
func (f InvalidatorFunc) Invalidate(ctx context.Context, scope string) error {
	return f(ctx, scope)
}
