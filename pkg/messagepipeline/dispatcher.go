package messagepipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-eventflow/pkg/cache"
	"github.com/illmade-knight/go-eventflow/pkg/metrics"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher is the per-domain entry point for deliveries. It suppresses
// redeliveries through the dedup cache, resolves a handler from the registry,
// runs it on the executor and hands the result to the outcome handler. Every
// delivery is acknowledged exactly once.
type Dispatcher struct {
	domain   string
	dedup    cache.DedupCache
	registry *Registry
	executor TaskSubmitter
	outcome  *OutcomeHandler
	metrics  *metrics.ConsumerMetrics
	logger   zerolog.Logger
	tracer   trace.Tracer

	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher for one domain.
func NewDispatcher(
	domain string,
	dedup cache.DedupCache,
	registry *Registry,
	executor TaskSubmitter,
	outcome *OutcomeHandler,
	m *metrics.ConsumerMetrics,
	logger zerolog.Logger,
) (*Dispatcher, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}
	if dedup == nil || registry == nil || executor == nil || outcome == nil || m == nil {
		return nil, fmt.Errorf("dedup, registry, executor, outcome and metrics cannot be nil")
	}
	return &Dispatcher{
		domain:   domain,
		dedup:    dedup,
		registry: registry,
		executor: executor,
		outcome:  outcome,
		metrics:  m,
		logger:   logger.With().Str("component", "Dispatcher").Str("consumer", domain).Logger(),
		tracer:   otel.Tracer("github.com/illmade-knight/go-eventflow/pkg/messagepipeline"),
	}, nil
}

// Domain returns the registry domain this dispatcher serves.
func (d *Dispatcher) Domain() string { return d.domain }

// OnDelivery dispatches one delivery. It returns once the handler has been
// handed to the executor; completion is observed through the future's
// callback, never by blocking the delivery loop.
func (d *Dispatcher) OnDelivery(ctx context.Context, delivery types.Delivery) {
	env := delivery.Envelope
	logger := d.logger.With().
		Str("event_id", env.ID).
		Str("event_type", env.Type).
		Str("topic", delivery.Coordinates.Topic).
		Int("partition", delivery.Coordinates.Partition).
		Int64("offset", delivery.Coordinates.Offset).
		Logger()
	ack := guardedAck(delivery.Ack, logger)

	var (
		handedOff bool
		counted   bool
		span      trace.Span
	)
	defer func() {
		r := recover()
		if r == nil || handedOff {
			return
		}
		if span != nil {
			span.End()
		}
		if counted {
			d.inflight.Done()
		}
		logger.Error().Interface("panic", r).Msg("Dispatcher panicked, routing delivery to the failure path.")
		d.outcome.OnFailure(delivery, fmt.Errorf("%w: %v", ErrDispatcherPanic, r), ack)
	}()

	if !env.Valid() {
		d.metrics.IncMalformed()
		logger.Error().Int("raw_bytes", len(delivery.Raw)).Msg("Malformed envelope without id or type, acking.")
		ack()
		return
	}

	seen, err := d.dedup.Seen(ctx, env.ID)
	if err != nil {
		// The cache is best-effort; handlers are idempotent, so carry on.
		logger.Warn().Err(err).Msg("Dedup cache unavailable, dispatching without duplicate check.")
	}
	if seen {
		d.metrics.IncDuplicates()
		logger.Debug().Msg("Duplicate delivery suppressed, acking.")
		ack()
		return
	}

	handler, ok := d.registry.Resolve(d.domain, env.Type)
	if !ok {
		d.metrics.IncProcessed()
		logger.Warn().Msg("No handler registered for event type, acking.")
		ack()
		return
	}

	var spanCtx context.Context
	spanCtx, span = d.tracer.Start(ctx, "eventflow.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "eventflow"),
			attribute.String("messaging.destination", delivery.Coordinates.Topic),
			attribute.String("eventflow.consumer", d.domain),
			attribute.String("eventflow.event_type", env.Type),
			attribute.String("eventflow.event_id", env.ID),
		),
	)
	spanContext := trace.SpanContextFromContext(spanCtx)

	d.inflight.Add(1)
	counted = true
	future, err := d.executor.Submit(ctx, func(taskCtx context.Context) error {
		return handler(trace.ContextWithSpanContext(taskCtx, spanContext), env)
	})
	if err != nil {
		counted = false
		d.inflight.Done()
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		span.End()
		span = nil
		logger.Error().Err(err).Msg("Failed to submit handler to executor.")
		d.outcome.OnFailure(delivery, fmt.Errorf("submit handler: %w", err), ack)
		return
	}
	handedOff = true

	future.OnComplete(func(handlerErr error) {
		defer d.inflight.Done()
		defer span.End()
		defer func() {
			// The outcome path runs on an executor worker shared by every
			// consumer; a panic here must not take the worker down.
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("alert", "outcome_panic").Msg("Outcome handling panicked, acking.")
				ack()
			}
		}()
		if handlerErr != nil {
			span.RecordError(handlerErr)
			span.SetStatus(codes.Error, "handler failed")
			d.outcome.OnFailure(delivery, handlerErr, ack)
			return
		}
		d.outcome.OnSuccess(env, ack)
	})
}

// Wait blocks until every handed-off handler has resolved or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// guardedAck wraps a broker ack so it runs at most once and a panicking
// commit is logged instead of unwinding the caller. An ack that panics
// leaves the record uncommitted, so the broker redelivers it.
func guardedAck(ack func(), logger zerolog.Logger) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if ack == nil {
				return
			}
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Str("alert", "ack_panic").Msg("Broker ack panicked; record will be redelivered.")
				}
			}()
			ack()
		})
	}
}
