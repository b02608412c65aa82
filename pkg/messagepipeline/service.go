package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ConsumerService drives one domain consumer: a single delivery loop reads
// the source in order and hands each delivery to the dispatcher. Handler
// execution happens on the shared executor, which the caller owns.
type ConsumerService struct {
	source     EventSource
	dispatcher *Dispatcher
	logger     zerolog.Logger

	loopDone chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// NewConsumerService creates a service for source and dispatcher.
func NewConsumerService(source EventSource, dispatcher *Dispatcher, logger zerolog.Logger) (*ConsumerService, error) {
	if source == nil {
		return nil, fmt.Errorf("event source cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	return &ConsumerService{
		source:     source,
		dispatcher: dispatcher,
		logger:     logger.With().Str("service", "ConsumerService").Str("consumer", dispatcher.Domain()).Logger(),
		loopDone:   make(chan struct{}),
	}, nil
}

// Name returns the consumer (domain) name.
func (s *ConsumerService) Name() string { return s.dispatcher.Domain() }

// Start starts the source and the delivery loop.
func (s *ConsumerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("consumer service already started")
	}
	s.logger.Info().Msg("Starting consumer service...")

	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event source: %w", err)
	}
	s.started = true

	// Deliveries already read must still be submitted while the service is
	// shutting down, so the loop's context outlives ctx cancellation.
	loopCtx := context.WithoutCancel(ctx)
	go s.loop(loopCtx)

	s.logger.Info().Msg("Consumer service started successfully.")
	return nil
}

func (s *ConsumerService) loop(ctx context.Context) {
	defer close(s.loopDone)
	for delivery := range s.source.Deliveries() {
		s.dispatcher.OnDelivery(ctx, delivery)
	}
	s.logger.Info().Msg("Delivery channel closed, loop exiting.")
}

// Stop shuts the consumer down in order: stop receiving, drain the delivery
// loop, wait for in-flight handlers to be acknowledged, then release the
// broker connection.
func (s *ConsumerService) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()

		s.logger.Info().Msg("Stopping consumer service...")
		if err := s.source.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Error during source stop, continuing shutdown.")
		}

		if started {
			select {
			case <-s.loopDone:
			case <-ctx.Done():
				s.logger.Error().Msg("Timeout waiting for delivery loop to drain.")
				stopErr = ctx.Err()
			}
		}

		if err := s.dispatcher.Wait(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Timeout waiting for in-flight handlers.")
			stopErr = err
		}

		if err := s.source.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing event source.")
		}
		s.logger.Info().Msg("Consumer service stopped.")
	})
	return stopErr
}
