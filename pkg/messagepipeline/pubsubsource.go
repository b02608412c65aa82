package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
)

// PubsubSourceConfig holds configuration for a Pub/Sub subscription source.
type PubsubSourceConfig struct {
	ProjectID              string
	SubscriptionID         string
	CredentialsFile        string // Optional
	MaxOutstandingMessages int
	NumGoroutines          int
}

// NewPubsubSourceDefaults provides a config with sensible defaults.
func NewPubsubSourceDefaults(subID string) *PubsubSourceConfig {
	return &PubsubSourceConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          5,
	}
}

// PubsubSource adapts a Pub/Sub subscription to EventSource. Pub/Sub has no
// partitions or offsets, so coordinates carry the subscription id with
// partition 0 and offset -1. Each receive callback stays open until its
// delivery is acked, so flow control follows in-flight handler work.
type PubsubSource struct {
	subscription *pubsub.Subscription
	subID        string
	logger       zerolog.Logger

	deliveries chan types.Delivery
	doneChan   chan struct{}

	cancelReceive context.CancelFunc
	// closeCtx releases callbacks still waiting for an ack once the source is closed.
	closeCtx    context.Context
	cancelClose context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewPubsubSource creates a source for an existing subscription.
func NewPubsubSource(ctx context.Context, cfg *PubsubSourceConfig, client *pubsub.Client, logger zerolog.Logger) (*PubsubSource, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg == nil || cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("pubsub subscription id is required")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	closeCtx, cancelClose := context.WithCancel(context.Background())
	return &PubsubSource{
		subscription: sub,
		subID:        cfg.SubscriptionID,
		logger:       logger.With().Str("component", "PubsubSource").Str("subscription_id", cfg.SubscriptionID).Logger(),
		deliveries:   make(chan types.Delivery, cfg.MaxOutstandingMessages),
		doneChan:     make(chan struct{}),
		closeCtx:     closeCtx,
		cancelClose:  cancelClose,
	}, nil
}

// Deliveries implements EventSource.
func (s *PubsubSource) Deliveries() <-chan types.Delivery { return s.deliveries }

// Done implements EventSource.
func (s *PubsubSource) Done() <-chan struct{} { return s.doneChan }

// Start begins receiving in a background goroutine.
func (s *PubsubSource) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() {
		started = true
		receiveCtx, cancel := context.WithCancel(ctx)
		s.cancelReceive = cancel
		go s.receive(receiveCtx)
	})
	if !started {
		return errors.New("pubsub source already started")
	}
	return nil
}

func (s *PubsubSource) receive(receiveCtx context.Context) {
	defer close(s.doneChan)
	defer close(s.deliveries)
	defer s.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")

	s.logger.Info().Msg("Pub/Sub Receive goroutine started.")
	err := s.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
		acked := make(chan struct{})
		var once sync.Once
		ack := func() {
			once.Do(func() {
				msg.Ack()
				close(acked)
			})
		}

		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		env, raw := decodeRecord(data, msg.Attributes, "ce-")
		delivery := types.Delivery{
			Envelope:    env,
			Coordinates: types.Coordinates{Topic: s.subID, Partition: 0, Offset: -1},
			Raw:         raw,
			Ack:         ack,
		}

		select {
		case s.deliveries <- delivery:
		case <-receiveCtx.Done():
			msg.Nack()
			s.logger.Warn().Str("msg_id", msg.ID).Msg("Source stopping, nacking undelivered message.")
			return
		}

		select {
		case <-acked:
		case <-s.closeCtx.Done():
			// Left unacked: the ack deadline expires and Pub/Sub redelivers.
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
	}
}

// Stop ends receiving. Receive returns once every handed-out delivery has
// been acked, so Stop waits for in-flight work up to ctx.
func (s *PubsubSource) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping Pub/Sub source...")
		if s.cancelReceive != nil {
			s.cancelReceive()
		}
	})
	if s.cancelReceive == nil {
		return nil
	}
	select {
	case <-s.doneChan:
		s.logger.Info().Msg("Pub/Sub Receive goroutine confirmed stopped.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for pubsub receive to stop: %w", ctx.Err())
	}
}

// Close releases any receive callback still waiting for an ack. The client's
// lifecycle is managed by the caller.
func (s *PubsubSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancelClose()
	})
	return nil
}
