package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
)

// MultiWriter stores every entry in a primary sink and copies it to any number
// of secondary writers (an archive, a forwarding topic). Only the primary's
// result is reported to the caller; secondary failures are logged.
type MultiWriter struct {
	primary     Writer
	secondaries []Writer
	logger      zerolog.Logger
}

// NewMultiWriter creates a MultiWriter. Nil secondaries are skipped.
func NewMultiWriter(primary Writer, logger zerolog.Logger, secondaries ...Writer) (*MultiWriter, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary dead-letter writer cannot be nil")
	}
	var kept []Writer
	for _, w := range secondaries {
		if w != nil {
			kept = append(kept, w)
		}
	}
	return &MultiWriter{
		primary:     primary,
		secondaries: kept,
		logger:      logger.With().Str("component", "DeadLetterMultiWriter").Logger(),
	}, nil
}

// Store writes to the primary first, then to each secondary.
func (m *MultiWriter) Store(ctx context.Context, entry *types.DeadLetterEntry) error {
	if err := m.primary.Store(ctx, entry); err != nil {
		return fmt.Errorf("primary dead-letter store: %w", err)
	}
	for i, w := range m.secondaries {
		if err := w.Store(ctx, entry); err != nil {
			m.logger.Warn().Err(err).Int("secondary_index", i).Str("dlq_id", entry.ID).Msg("Secondary dead-letter write failed.")
		}
	}
	return nil
}

// ListUnresolved delegates to the primary when it is queryable.
func (m *MultiWriter) ListUnresolved(ctx context.Context, filter Filter) ([]*types.DeadLetterEntry, error) {
	sink, ok := m.primary.(Sink)
	if !ok {
		return nil, ErrNotQueryable
	}
	return sink.ListUnresolved(ctx, filter)
}

// MarkResolved delegates to the primary when it is queryable.
func (m *MultiWriter) MarkResolved(ctx context.Context, id string, at time.Time) error {
	sink, ok := m.primary.(Sink)
	if !ok {
		return ErrNotQueryable
	}
	return sink.MarkResolved(ctx, id, at)
}
