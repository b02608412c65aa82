package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ExecutorConfig holds configuration for the asynchronous handler pool.
type ExecutorConfig struct {
	Workers   int
	QueueSize int
	// HandlerTimeout bounds every task. A timed-out task resolves its future
	// with ErrHandlerTimeout even if the task itself ignores its context.
	HandlerTimeout time.Duration
	// BlockOnFull makes Submit wait for queue space; otherwise a full queue
	// rejects with ErrExecutorFull.
	BlockOnFull bool
}

// NewExecutorDefaults provides a config with sensible defaults.
func NewExecutorDefaults() *ExecutorConfig {
	return &ExecutorConfig{
		Workers:        16,
		QueueSize:      256,
		HandlerTimeout: 30 * time.Second,
		BlockOnFull:    true,
	}
}

// Future is the observable completion of a submitted task.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	err       error
	callbacks []func(error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done returns a channel that is closed when the task has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task's result. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// OnComplete registers cb to run once with the task's result. If the future
// has already resolved, cb runs immediately on the caller's goroutine.
func (f *Future) OnComplete(cb func(error)) {
	f.mu.Lock()
	if f.completed {
		err := f.err
		f.mu.Unlock()
		cb(err)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete resolves the future. Only the first call has any effect. Every
// callback runs even if an earlier one panics; the recovered panic values
// are returned.
func (f *Future) complete(err error) []any {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return nil
	}
	f.completed = true
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	var panics []any
	for _, cb := range cbs {
		if r := runCallback(cb, err); r != nil {
			panics = append(panics, r)
		}
	}
	return panics
}

func runCallback(cb func(error), err error) (recovered any) {
	defer func() { recovered = recover() }()
	cb(err)
	return nil
}

type job struct {
	task   Task
	future *Future
}

// Executor is a bounded worker pool shared by every domain's dispatcher.
type Executor struct {
	cfg    ExecutorConfig
	logger zerolog.Logger
	queue  chan job
	wg     sync.WaitGroup

	// runCtx parents every task. It is only cancelled when Stop gives up
	// waiting, so in-flight handlers can finish during a graceful shutdown.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// NewExecutor creates a new executor. Workers are launched by Start.
func NewExecutor(cfg *ExecutorConfig, logger zerolog.Logger) *Executor {
	if cfg == nil {
		cfg = NewExecutorDefaults()
	}
	c := *cfg
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:       c,
		logger:    logger.With().Str("component", "Executor").Logger(),
		queue:     make(chan job, c.QueueSize),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// Start launches the worker goroutines.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	e.logger.Info().Int("worker_count", e.cfg.Workers).Int("queue_size", e.cfg.QueueSize).Dur("handler_timeout", e.cfg.HandlerTimeout).Msg("Starting executor workers...")
	e.wg.Add(e.cfg.Workers)
	for i := 0; i < e.cfg.Workers; i++ {
		go e.worker(i)
	}
}

// Submit queues task for asynchronous execution. Depending on BlockOnFull it
// either waits for queue space (until ctx is done) or rejects immediately.
func (e *Executor) Submit(ctx context.Context, task Task) (*Future, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return nil, ErrExecutorStopped
	}

	j := job{task: task, future: newFuture()}
	if e.cfg.BlockOnFull {
		select {
		case e.queue <- j:
			return j.future, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("submit aborted: %w", ctx.Err())
		}
	}
	select {
	case e.queue <- j:
		return j.future, nil
	default:
		return nil, ErrExecutorFull
	}
}

// Stop rejects new submissions and waits for queued and running tasks. If
// ctx expires first, running tasks have their contexts cancelled.
func (e *Executor) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.logger.Info().Msg("Stopping executor...")
		// Taking the write lock waits out any Submit still holding the read lock.
		e.mu.Lock()
		e.stopped = true
		close(e.queue)
		started := e.started
		e.mu.Unlock()

		if !started {
			for j := range e.queue {
				j.future.complete(ErrExecutorStopped)
			}
			e.cancelRun()
			return
		}

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			e.logger.Info().Msg("All executor workers completed gracefully.")
		case <-ctx.Done():
			e.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for executor workers, cancelling running handlers.")
			e.cancelRun()
			<-done
			err = ctx.Err()
		}
		e.cancelRun()
	})
	return err
}

func (e *Executor) worker(workerID int) {
	defer e.wg.Done()
	e.logger.Debug().Int("worker_id", workerID).Msg("Executor worker started.")
	for j := range e.queue {
		e.run(j)
	}
	e.logger.Debug().Int("worker_id", workerID).Msg("Executor queue closed, worker exiting.")
}

// run executes one job and resolves its future exactly once. The task runs on
// its own goroutine so a handler that ignores its context cannot hold the
// worker past the timeout.
func (e *Executor) run(j job) {
	var ctx context.Context
	var cancel context.CancelFunc
	if e.cfg.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(e.runCtx, e.cfg.HandlerTimeout)
	} else {
		ctx, cancel = context.WithCancel(e.runCtx)
	}
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		result <- j.task(ctx)
	}()

	var taskErr error
	select {
	case taskErr = <-result:
	case <-ctx.Done():
		taskErr = ctx.Err()
		if errors.Is(taskErr, context.DeadlineExceeded) {
			taskErr = fmt.Errorf("%w after %s", ErrHandlerTimeout, e.cfg.HandlerTimeout)
		}
	}
	for _, p := range j.future.complete(taskErr) {
		e.logger.Error().Interface("panic", p).Msg("Future callback panicked; worker continues.")
	}
}
