package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
)

// PubsubWriter forwards dead-letter entries to a Pub/Sub topic so downstream
// alerting can react to them.
type PubsubWriter struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubsubWriter creates a writer for topicID, verifying that the topic exists.
func NewPubsubWriter(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubsubWriter, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}
	return &PubsubWriter{
		topic:  topic,
		logger: logger.With().Str("component", "DeadLetterPubsubWriter").Str("topic_id", topicID).Logger(),
	}, nil
}

// Store publishes entry as JSON and waits for the server to acknowledge it.
func (w *PubsubWriter) Store(ctx context.Context, entry *types.DeadLetterEntry) error {
	if entry == nil {
		return fmt.Errorf("dead-letter entry cannot be nil")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}
	result := w.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"consumer":    entry.Consumer,
			"event_id":    entry.EventID,
			"event_type":  entry.EventType,
			"retry_count": strconv.Itoa(entry.RetryCount),
		},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish dead-letter entry %s: %w", entry.ID, err)
	}
	w.logger.Debug().Str("published_msg_id", msgID).Str("dlq_id", entry.ID).Msg("Dead-letter entry forwarded.")
	return nil
}

// Stop flushes pending publishes, respecting the context's timeout.
func (w *PubsubWriter) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		w.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
