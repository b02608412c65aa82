// Package replay resubmits dead-lettered events to their handlers out of
// band. Replay bypasses the dedup cache: the original delivery already
// recorded the id, so going through the dispatcher would drop it as a
// duplicate.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/deadletter"
	"github.com/illmade-knight/go-eventflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds replay settings.
type Config struct {
	// HandlerTimeout bounds each handler invocation.
	HandlerTimeout time.Duration
	// DryRun resolves handlers and decodes entries without invoking them.
	DryRun bool
}

// NewConfigDefaults provides a config with sensible defaults.
func NewConfigDefaults() *Config {
	return &Config{HandlerTimeout: 30 * time.Second}
}

// Result summarizes one replay run.
type Result struct {
	Listed   int
	Resolved int
	// Failed entries stay unresolved for a later run.
	Failed int
	// Skipped entries could not be decoded or have no registered handler.
	Skipped int
	// Errors maps dead-letter entry ids to the reason they were not resolved.
	Errors map[string]error
}

// Replayer drives dead-letter entries back through the handler registry.
type Replayer struct {
	sink     deadletter.Sink
	registry *messagepipeline.Registry
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewReplayer creates a replayer over sink and registry.
func NewReplayer(cfg *Config, sink deadletter.Sink, registry *messagepipeline.Registry, logger zerolog.Logger) (*Replayer, error) {
	if sink == nil {
		return nil, errors.New("dead-letter sink cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("handler registry cannot be nil")
	}
	if cfg == nil {
		cfg = NewConfigDefaults()
	}
	return &Replayer{
		sink:     sink,
		registry: registry,
		cfg:      *cfg,
		logger:   logger.With().Str("component", "Replayer").Logger(),
		now:      time.Now,
	}, nil
}

// Run replays every unresolved entry matching filter, one at a time in the
// order the sink returns them. Entries whose handler succeeds are marked
// resolved. The returned error covers listing failures only; per-entry
// failures are reported in the Result.
func (r *Replayer) Run(ctx context.Context, filter deadletter.Filter) (Result, error) {
	res := Result{Errors: make(map[string]error)}
	entries, err := r.sink.ListUnresolved(ctx, filter)
	if err != nil {
		return res, fmt.Errorf("list unresolved dead letters: %w", err)
	}
	res.Listed = len(entries)
	r.logger.Info().Int("count", len(entries)).Str("consumer", filter.Consumer).Bool("dry_run", r.cfg.DryRun).Msg("Starting dead-letter replay.")

	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		logger := r.logger.With().Str("dlq_id", entry.ID).Str("consumer", entry.Consumer).
			Str("event_id", entry.EventID).Str("event_type", entry.EventType).Logger()

		env, handler, err := r.prepare(entry)
		if err != nil {
			res.Skipped++
			res.Errors[entry.ID] = err
			logger.Warn().Err(err).Msg("Skipping dead-letter entry.")
			continue
		}
		if r.cfg.DryRun {
			continue
		}

		if err := r.invoke(ctx, handler, env); err != nil {
			res.Failed++
			res.Errors[entry.ID] = err
			logger.Warn().Err(err).Msg("Replay failed, entry left unresolved.")
			continue
		}
		if err := r.sink.MarkResolved(ctx, entry.ID, r.now().UTC()); err != nil {
			// The handler ran; a later run will apply it again, which
			// idempotent handlers tolerate.
			res.Failed++
			res.Errors[entry.ID] = fmt.Errorf("mark resolved: %w", err)
			logger.Error().Err(err).Msg("Replay succeeded but the entry could not be marked resolved.")
			continue
		}
		res.Resolved++
		logger.Info().Msg("Dead-letter entry replayed and resolved.")
	}

	r.logger.Info().Int("resolved", res.Resolved).Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("Dead-letter replay finished.")
	return res, nil
}

func (r *Replayer) prepare(entry *types.DeadLetterEntry) (types.Envelope, messagepipeline.Handler, error) {
	env, err := types.DecodeEnvelope(entry.RawEnvelope)
	if err != nil || !env.Valid() {
		if entry.EventID == "" || entry.EventType == "" {
			return types.Envelope{}, nil, fmt.Errorf("entry %s has no replayable envelope", entry.ID)
		}
		// The stored bytes are the payload alone.
		env = types.Envelope{ID: entry.EventID, Type: entry.EventType, Payload: entry.RawEnvelope}
	}
	handler, ok := r.registry.Resolve(entry.Consumer, env.Type)
	if !ok {
		return types.Envelope{}, nil, fmt.Errorf("no handler registered for %s/%s", entry.Consumer, env.Type)
	}
	return env, handler, nil
}

func (r *Replayer) invoke(ctx context.Context, handler messagepipeline.Handler, env types.Envelope) (err error) {
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", messagepipeline.ErrHandlerPanic, p)
		}
	}()
	return handler(ctx, env)
}
