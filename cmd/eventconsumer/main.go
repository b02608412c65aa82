// Command eventconsumer runs the six BSS domain-event consumers, or replays
// their dead letters when started with -replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/config"
	"github.com/illmade-knight/go-eventflow/pkg/deadletter"
	"github.com/illmade-knight/go-eventflow/pkg/domains"
	"github.com/illmade-knight/go-eventflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-eventflow/pkg/metrics"
	"github.com/illmade-knight/go-eventflow/pkg/microservice"
	"github.com/illmade-knight/go-eventflow/pkg/replay"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file; environment variables override it")
	replayMode := flag.Bool("replay", false, "replay unresolved dead letters and exit")
	replayConsumer := flag.String("consumer", "", "replay: only entries of this consumer")
	replayType := flag.String("type", "", "replay: only entries of this event type")
	replaySince := flag.Duration("since", 0, "replay: only entries recorded within this duration")
	replayLimit := flag.Int("limit", 0, "replay: maximum entries to replay")
	dryRun := flag.Bool("dry-run", false, "replay: decode and resolve handlers without invoking them")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer app.close()

	if *replayMode {
		filter := deadletter.Filter{Consumer: *replayConsumer, EventType: *replayType, Limit: *replayLimit}
		if *replaySince > 0 {
			filter.Since = time.Now().Add(-*replaySince)
		}
		if err := runReplay(ctx, app, filter, *dryRun); err != nil {
			logger.Error().Err(err).Msg("Replay failed")
			app.close()
			os.Exit(1)
		}
		return
	}

	if err := runConsumers(ctx, cfg, app, logger); err != nil {
		logger.Error().Err(err).Msg("Consumers exited with error")
		app.close()
		os.Exit(1)
	}
}

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runReplay(ctx context.Context, app *app, filter deadletter.Filter, dryRun bool) error {
	r, err := replay.NewReplayer(&replay.Config{HandlerTimeout: app.cfg.Executor.HandlerTimeout, DryRun: dryRun}, app.sink, app.registry, app.logger)
	if err != nil {
		return err
	}
	res, err := r.Run(ctx, filter)
	if err != nil {
		return err
	}
	for id, reason := range res.Errors {
		app.logger.Warn().Str("dlq_id", id).Err(reason).Msg("Unresolved after replay")
	}
	app.logger.Info().Int("listed", res.Listed).Int("resolved", res.Resolved).Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("Replay complete")
	return nil
}

// consumer is the lifecycle runConsumers drives for each domain.
type consumer interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// runtime owns everything started for the consumers so a failure part way
// through startup tears down what is already running.
type runtime struct {
	consumers []consumer
	executor  interface{ Stop(ctx context.Context) error }
	ops       interface {
		Start() error
		Shutdown(ctx context.Context) error
	}
	stopTimeout time.Duration
	logger      zerolog.Logger
}

// run starts the ops server and then every consumer, blocks until ctx is
// cancelled and stops them all. The teardown runs on every return path.
func (r *runtime) run(ctx context.Context) error {
	defer r.stop()

	if err := r.ops.Start(); err != nil {
		return err
	}
	for _, c := range r.consumers {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s consumer: %w", c.Name(), err)
		}
		r.logger.Info().Str("consumer", c.Name()).Msg("Consumer started")
	}

	<-ctx.Done()
	r.logger.Info().Msg("Shutdown signal received")
	return nil
}

// stop is safe for consumers that never started: their sources are still
// closed.
func (r *runtime) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
	defer cancel()

	for _, c := range r.consumers {
		if err := c.Stop(ctx); err != nil {
			r.logger.Error().Err(err).Str("consumer", c.Name()).Msg("Consumer did not stop cleanly")
		}
	}
	if err := r.executor.Stop(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Executor did not drain")
	}
	if err := r.ops.Shutdown(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Ops server shutdown failed")
	}
}

func runConsumers(ctx context.Context, cfg *config.Config, app *app, logger zerolog.Logger) error {
	executor := messagepipeline.NewExecutor(&messagepipeline.ExecutorConfig{
		Workers:        cfg.Executor.Workers,
		QueueSize:      cfg.Executor.QueueSize,
		HandlerTimeout: cfg.Executor.HandlerTimeout,
		BlockOnFull:    cfg.Executor.BlockOnFull,
	}, logger)
	executor.Start()

	registry := metrics.NewRegistry()
	ops, err := microservice.NewOpsServer(cfg.HTTP.Port, registry, app.sink, logger)
	if err != nil {
		_ = executor.Stop(context.Background())
		return err
	}
	rt := &runtime{
		executor:    executor,
		ops:         ops,
		stopTimeout: cfg.Executor.HandlerTimeout + 15*time.Second,
		logger:      logger,
	}
	for _, d := range app.domains {
		svc, err := app.newConsumer(ctx, d, executor, registry.ForConsumer(d.Name))
		if err != nil {
			rt.stop()
			return err
		}
		rt.consumers = append(rt.consumers, svc)
	}

	app.startSweepers(ctx)
	err = rt.run(ctx)
	for _, s := range registry.Snapshots() {
		logger.Info().Str("consumer", s.Consumer).Uint64("processed", s.Processed).Uint64("failed", s.Failed).
			Uint64("duplicates", s.Duplicates).Uint64("sent_to_dlq", s.SentToDLQ).Msg("Final consumer stats")
	}
	return err
}

// domainHandlerConfig maps the retry settings onto the domain handlers.
func domainHandlerConfig(cfg config.Retry) domains.HandlerConfig {
	if cfg.MaxAttempts <= 1 {
		return domains.HandlerConfig{}
	}
	return domains.HandlerConfig{Retry: &messagepipeline.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     messagepipeline.ExponentialBackoff(cfg.BaseBackoff, cfg.MaxBackoff),
		Jitter:      cfg.BaseBackoff / 2,
	}}
}
