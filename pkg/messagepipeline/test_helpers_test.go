package messagepipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/cache"
	"github.com/illmade-knight/go-eventflow/pkg/deadletter"
	"github.com/illmade-knight/go-eventflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-eventflow/pkg/metrics"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ====================================================================================
// This file contains mocks and fixtures shared by the tests in this package.
// ====================================================================================

// --- MockEventSource ---

// MockEventSource is a mock implementation of the EventSource interface.
type MockEventSource struct {
	deliveries chan types.Delivery
	doneChan   chan struct{}
	stopOnce   sync.Once

	startCount atomic.Int32
	stopCount  atomic.Int32
	closeCount atomic.Int32
	startErr   error
}

func NewMockEventSource(bufferSize int) *MockEventSource {
	return &MockEventSource{
		deliveries: make(chan types.Delivery, bufferSize),
		doneChan:   make(chan struct{}),
	}
}

func (m *MockEventSource) Deliveries() <-chan types.Delivery { return m.deliveries }

func (m *MockEventSource) Start(_ context.Context) error {
	m.startCount.Add(1)
	return m.startErr
}

func (m *MockEventSource) Stop(_ context.Context) error {
	m.stopCount.Add(1)
	m.stopOnce.Do(func() {
		close(m.deliveries)
		close(m.doneChan)
	})
	return nil
}

func (m *MockEventSource) Done() <-chan struct{} { return m.doneChan }

func (m *MockEventSource) Close() error {
	m.closeCount.Add(1)
	return nil
}

func (m *MockEventSource) Push(d types.Delivery) {
	m.deliveries <- d
}

// --- Ack recording ---

// ackRecorder counts acknowledgments per event id.
type ackRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{counts: make(map[string]int)}
}

func (r *ackRecorder) ackFor(key string) func() {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.counts[key]++
	}
}

func (r *ackRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

func (r *ackRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.counts {
		n += c
	}
	return n
}

// newDelivery builds a delivery whose ack is recorded under key.
func newDelivery(rec *ackRecorder, key, id, eventType string, offset int64) types.Delivery {
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	env := types.Envelope{
		ID:      id,
		Type:    eventType,
		Source:  "test",
		Time:    &ts,
		Payload: []byte(`{"paymentId":"p1"}`),
	}
	raw, _ := env.Encode()
	return types.Delivery{
		Envelope:    env,
		Coordinates: types.Coordinates{Topic: "payment.completed", Partition: 3, Offset: offset},
		Raw:         raw,
		Ack:         rec.ackFor(key),
	}
}

// --- Dedup and submitter doubles ---

type failingDedup struct{}

func (failingDedup) Seen(_ context.Context, _ string) (bool, error) {
	return false, errors.New("redis unavailable")
}

type rejectingSubmitter struct{}

func (rejectingSubmitter) Submit(_ context.Context, _ messagepipeline.Task) (*messagepipeline.Future, error) {
	return nil, messagepipeline.ErrExecutorFull
}

// panickingSubmitter simulates a bug inside the execution pool.
type panickingSubmitter struct{}

func (panickingSubmitter) Submit(_ context.Context, _ messagepipeline.Task) (*messagepipeline.Future, error) {
	panic("submit bug")
}

// panickingWriter is a dead-letter writer with a bug.
type panickingWriter struct {
	calls atomic.Int32
}

func (w *panickingWriter) Store(_ context.Context, _ *types.DeadLetterEntry) error {
	w.calls.Add(1)
	panic("sink bug")
}

// failingSink is a dead-letter writer that always errors.
type failingSink struct {
	calls atomic.Int32
}

func (f *failingSink) Store(_ context.Context, _ *types.DeadLetterEntry) error {
	f.calls.Add(1)
	return errors.New("sink unavailable")
}

// --- Pipeline fixture ---

const testDomain = "payment"

type testPipeline struct {
	dispatcher *messagepipeline.Dispatcher
	registry   *messagepipeline.Registry
	executor   *messagepipeline.Executor
	sink       *deadletter.InMemorySink
	metrics    *metrics.ConsumerMetrics
	acks       *ackRecorder
}

type pipelineOption func(*pipelineOptions)

type pipelineOptions struct {
	dedup     cache.DedupCache
	submitter messagepipeline.TaskSubmitter
	writer    deadletter.Writer
	executor  *messagepipeline.ExecutorConfig
}

func withDedup(d cache.DedupCache) pipelineOption {
	return func(o *pipelineOptions) { o.dedup = d }
}

func withSubmitter(s messagepipeline.TaskSubmitter) pipelineOption {
	return func(o *pipelineOptions) { o.submitter = s }
}

func withWriter(w deadletter.Writer) pipelineOption {
	return func(o *pipelineOptions) { o.writer = w }
}

func withExecutorConfig(cfg *messagepipeline.ExecutorConfig) pipelineOption {
	return func(o *pipelineOptions) { o.executor = cfg }
}

// newTestPipeline wires a dispatcher for the payment domain with an
// in-memory dedup cache, an in-memory sink and a started executor.
func newTestPipeline(t *testing.T, opts ...pipelineOption) *testPipeline {
	t.Helper()
	o := pipelineOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	sink := deadletter.NewInMemorySink()
	if o.writer == nil {
		o.writer = sink
	}
	if o.dedup == nil {
		o.dedup = cache.NewInMemoryDedup(cache.NewDedupDefaults(), zerolog.Nop())
	}
	if o.executor == nil {
		o.executor = &messagepipeline.ExecutorConfig{Workers: 4, QueueSize: 16, HandlerTimeout: 2 * time.Second, BlockOnFull: true}
	}

	executor := messagepipeline.NewExecutor(o.executor, zerolog.Nop())
	executor.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = executor.Stop(ctx)
	})
	if o.submitter == nil {
		o.submitter = executor
	}

	m := metrics.NewConsumerMetrics(testDomain)
	outcome, err := messagepipeline.NewOutcomeHandler(messagepipeline.OutcomeHandlerConfig{Consumer: testDomain}, o.writer, m, zerolog.Nop())
	require.NoError(t, err)

	registry := messagepipeline.NewRegistry()
	dispatcher, err := messagepipeline.NewDispatcher(testDomain, o.dedup, registry, o.submitter, outcome, m, zerolog.Nop())
	require.NoError(t, err)

	return &testPipeline{
		dispatcher: dispatcher,
		registry:   registry,
		executor:   executor,
		sink:       sink,
		metrics:    m,
		acks:       newAckRecorder(),
	}
}

// waitIdle blocks until every dispatched handler has resolved.
func (p *testPipeline) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.dispatcher.Wait(ctx))
}
