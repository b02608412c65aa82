package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore sink.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreSink stores one document per entry, keyed by entry id.
// Suitable for low-volume deployments; use Postgres for heavy failure rates.
type FirestoreSink struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreSink creates a sink on an existing client. The client's
// lifecycle is managed by the caller.
func NewFirestoreSink(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreSink, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg == nil || cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSink initialized.")
	return &FirestoreSink{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSink").Logger(),
	}, nil
}

// Store creates the document for entry. An existing document with the same
// id is left untouched.
func (s *FirestoreSink) Store(ctx context.Context, entry *types.DeadLetterEntry) error {
	if entry == nil || entry.ID == "" {
		return errors.New("dead-letter entry with an id is required")
	}
	_, err := s.client.Collection(s.collectionName).Doc(entry.ID).Create(ctx, entry)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("firestore create for %s: %w", entry.ID, err)
	}
	s.logger.Debug().Str("dlq_id", entry.ID).Str("event_id", entry.EventID).Msg("Dead-letter entry stored.")
	return nil
}

// ListUnresolved queries unresolved documents. Consumer and event type are
// pushed down to Firestore; ordering, Since and Limit are applied in memory
// so no composite index is required.
func (s *FirestoreSink) ListUnresolved(ctx context.Context, filter Filter) ([]*types.DeadLetterEntry, error) {
	q := s.client.Collection(s.collectionName).Where("resolvedAt", "==", nil)
	if filter.Consumer != "" {
		q = q.Where("consumer", "==", filter.Consumer)
	}
	if filter.EventType != "" {
		q = q.Where("eventType", "==", filter.EventType)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*types.DeadLetterEntry
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore query failed: %w", err)
		}
		var e types.DeadLetterEntry
		if err := doc.DataTo(&e); err != nil {
			s.logger.Error().Err(err).Str("doc_id", doc.Ref.ID).Msg("Failed to map dead-letter document, skipping.")
			continue
		}
		if filter.Matches(&e) {
			out = append(out, &e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MarkResolved sets resolvedAt on the document.
func (s *FirestoreSink) MarkResolved(ctx context.Context, id string, at time.Time) error {
	_, err := s.client.Collection(s.collectionName).Doc(id).Update(ctx, []firestore.Update{
		{Path: "resolvedAt", Value: at.UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("firestore update for %s: %w", id, err)
	}
	return nil
}
