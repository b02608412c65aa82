package messagepipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-eventflow/pkg/deadletter"
	"github.com/illmade-knight/go-eventflow/pkg/metrics"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
)

// OutcomeHandler turns the resolution of a handler future into counters, a
// dead-letter entry when needed, and exactly one acknowledgment.
type OutcomeHandler struct {
	consumer     string
	sink         deadletter.Writer
	metrics      *metrics.ConsumerMetrics
	logger       zerolog.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

// OutcomeHandlerConfig holds configuration for an OutcomeHandler.
type OutcomeHandlerConfig struct {
	Consumer string
	// WriteTimeout bounds a single dead-letter write.
	WriteTimeout time.Duration
}

// NewOutcomeHandler creates a new outcome handler for one consumer.
func NewOutcomeHandler(
	cfg OutcomeHandlerConfig,
	sink deadletter.Writer,
	m *metrics.ConsumerMetrics,
	logger zerolog.Logger,
) (*OutcomeHandler, error) {
	if sink == nil {
		return nil, fmt.Errorf("dead-letter sink cannot be nil")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &OutcomeHandler{
		consumer:     cfg.Consumer,
		sink:         sink,
		metrics:      m,
		logger:       logger.With().Str("component", "OutcomeHandler").Str("consumer", cfg.Consumer).Logger(),
		writeTimeout: cfg.WriteTimeout,
		now:          time.Now,
	}, nil
}

// OnSuccess counts the event as processed and acknowledges it.
func (o *OutcomeHandler) OnSuccess(env types.Envelope, ack func()) {
	o.metrics.IncProcessed()
	o.logger.Debug().Str("event_id", env.ID).Str("event_type", env.Type).Msg("Event processed successfully, acking.")
	ack()
}

// OnFailure records the failure in the dead-letter sink and acknowledges the
// delivery whether or not that write succeeded. Withholding the ack would
// make the broker redeliver indefinitely and stall the partition.
func (o *OutcomeHandler) OnFailure(d types.Delivery, cause error, ack func()) {
	o.metrics.IncFailed()
	logger := o.logger.With().
		Str("event_id", d.Envelope.ID).
		Str("event_type", d.Envelope.Type).
		Str("topic", d.Coordinates.Topic).
		Int("partition", d.Coordinates.Partition).
		Int64("offset", d.Coordinates.Offset).
		Logger()

	entry := o.newEntry(d, cause)
	if err := o.store(entry); err != nil {
		logger.Error().Err(err).AnErr("handler_error", cause).Str("alert", "dlq_write_failed").
			Msg("Failed to write dead-letter entry; event is acknowledged and LOST for replay.")
	} else {
		o.metrics.IncSentToDLQ()
		logger.Warn().Err(cause).Str("dlq_id", entry.ID).Int("retry_count", entry.RetryCount).Msg("Event handling failed, dead-lettered and acking.")
	}
	ack()
}

// store writes entry under its own timeout. A panicking writer is reported
// as a write error so the delivery is still acknowledged.
func (o *OutcomeHandler) store(entry *types.DeadLetterEntry) (err error) {
	// A fresh context: the dead-letter write must still happen while the
	// consumer is shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), o.writeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dead-letter writer panicked: %v", r)
		}
	}()
	return o.sink.Store(ctx, entry)
}

func (o *OutcomeHandler) newEntry(d types.Delivery, cause error) *types.DeadLetterEntry {
	raw := d.Raw
	if len(raw) == 0 {
		if encoded, err := d.Envelope.Encode(); err == nil {
			raw = encoded
		}
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &types.DeadLetterEntry{
		ID:           uuid.NewString(),
		Consumer:     o.consumer,
		EventID:      d.Envelope.ID,
		EventType:    d.Envelope.Type,
		RawEnvelope:  raw,
		ErrorMessage: msg,
		Topic:        d.Coordinates.Topic,
		Partition:    d.Coordinates.Partition,
		Offset:       d.Coordinates.Offset,
		RetryCount:   retryCount(cause),
		RecordedAt:   o.now().UTC(),
	}
}
