package deadletter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/types"
)

// InMemorySink keeps entries in process memory. It is intended for local runs
// and tests; entries do not survive a restart.
type InMemorySink struct {
	mu      sync.RWMutex
	entries map[string]*types.DeadLetterEntry
	order   []string
}

// NewInMemorySink creates an empty in-memory sink.
func NewInMemorySink() *InMemorySink {
	return &InMemorySink{entries: make(map[string]*types.DeadLetterEntry)}
}

// Store saves a copy of entry.
func (s *InMemorySink) Store(_ context.Context, entry *types.DeadLetterEntry) error {
	if entry == nil {
		return fmt.Errorf("dead-letter entry cannot be nil")
	}
	if entry.ID == "" {
		return fmt.Errorf("dead-letter entry id is required")
	}
	cp := copyEntry(entry)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[cp.ID]; !exists {
		s.order = append(s.order, cp.ID)
	}
	s.entries[cp.ID] = cp
	return nil
}

// ListUnresolved returns copies of matching unresolved entries, oldest first.
func (s *InMemorySink) ListUnresolved(_ context.Context, filter Filter) ([]*types.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.DeadLetterEntry
	for _, id := range s.order {
		e := s.entries[id]
		if filter.Matches(e) {
			out = append(out, copyEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MarkResolved sets ResolvedAt on the entry with the given id.
func (s *InMemorySink) MarkResolved(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	resolved := at.UTC()
	e.ResolvedAt = &resolved
	return nil
}

// All returns copies of every stored entry in insertion order, resolved or not.
func (s *InMemorySink) All() []*types.DeadLetterEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.DeadLetterEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyEntry(s.entries[id]))
	}
	return out
}

func copyEntry(e *types.DeadLetterEntry) *types.DeadLetterEntry {
	cp := *e
	if e.RawEnvelope != nil {
		cp.RawEnvelope = append([]byte(nil), e.RawEnvelope...)
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
