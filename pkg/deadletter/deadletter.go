// Package deadletter provides durable storage for events whose handler failed,
// so they can be inspected and replayed out of band.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/types"
)

var (
	// ErrNotFound is returned when an entry id is unknown to the sink.
	ErrNotFound = errors.New("dead-letter entry not found")
	// ErrNotQueryable is returned by writers that can store entries but not list them.
	ErrNotQueryable = errors.New("dead-letter writer does not support queries")
)

// Writer persists dead-letter entries. Store must not retain entry after it
// returns.
type Writer interface {
	Store(ctx context.Context, entry *types.DeadLetterEntry) error
}

// Filter narrows ListUnresolved. Zero values match everything.
type Filter struct {
	Consumer  string
	EventType string
	// Since excludes entries recorded before it.
	Since time.Time
	// Limit caps the result size; 0 means no limit.
	Limit int
}

// Matches reports whether e satisfies the filter, ignoring Limit.
func (f Filter) Matches(e *types.DeadLetterEntry) bool {
	if e == nil || e.Resolved() {
		return false
	}
	if f.Consumer != "" && e.Consumer != f.Consumer {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && e.RecordedAt.Before(f.Since) {
		return false
	}
	return true
}

// Sink is a queryable dead-letter store used by the pipeline, the ops
// endpoints and the replay tool.
type Sink interface {
	Writer
	// ListUnresolved returns unresolved entries oldest first.
	ListUnresolved(ctx context.Context, filter Filter) ([]*types.DeadLetterEntry, error)
	// MarkResolved stamps the entry as handled by a replay.
	MarkResolved(ctx context.Context, id string, at time.Time) error
}
