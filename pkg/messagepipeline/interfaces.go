package messagepipeline

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-eventflow/pkg/types"
)

// ====================================================================================
// This file defines the contracts of the domain-event pipeline: where deliveries
// come from, what a handler is, and how asynchronous work is submitted.
// ====================================================================================

var (
	// ErrDuplicateHandler is returned when a (domain, event type) pair is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrExecutorFull is returned when the executor queue is full and the
	// executor is configured to reject rather than block.
	ErrExecutorFull = errors.New("executor queue is full")
	// ErrExecutorStopped is returned when work is submitted after Stop.
	ErrExecutorStopped = errors.New("executor is stopped")
	// ErrHandlerTimeout is the failure recorded when a handler exceeds its deadline.
	ErrHandlerTimeout = errors.New("handler timed out")
	// ErrHandlerPanic is the failure recorded when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")
	// ErrDispatcherPanic is the failure recorded when the dispatcher itself panics.
	ErrDispatcherPanic = errors.New("dispatcher panicked")
)

// --- Source ---

// EventSource is the broker-facing side of a consumer. It receives records,
// normalizes them into deliveries and commits progress when a delivery's Ack
// is called. Offsets must never be committed on receipt.
type EventSource interface {
	// Deliveries returns the channel the delivery loop reads from. It is
	// closed once the source has stopped receiving.
	Deliveries() <-chan types.Delivery
	// Start begins receiving from the broker.
	Start(ctx context.Context) error
	// Stop ceases receiving. Acks of deliveries already handed out remain valid
	// until Close is called.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when receiving has fully stopped.
	Done() <-chan struct{}
	// Close releases the broker connection. It is called after every
	// in-flight delivery has been acknowledged.
	Close() error
}

// --- Handler ---

// Handler processes one envelope. It must be idempotent: the dedup cache is
// best-effort, so a handler may see an envelope it already applied. Only
// unrecoverable conditions should produce an error.
type Handler func(ctx context.Context, env types.Envelope) error

// --- Execution ---

// Task is a unit of asynchronous work.
type Task func(ctx context.Context) error

// TaskSubmitter hands a task to an asynchronous execution pool and returns a
// future that resolves when the task finishes, fails or times out.
type TaskSubmitter interface {
	Submit(ctx context.Context, task Task) (*Future, error)
}
