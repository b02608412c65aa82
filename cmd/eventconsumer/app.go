package main

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-eventflow/pkg/cache"
	"github.com/illmade-knight/go-eventflow/pkg/config"
	"github.com/illmade-knight/go-eventflow/pkg/deadletter"
	"github.com/illmade-knight/go-eventflow/pkg/domains"
	"github.com/illmade-knight/go-eventflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-eventflow/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"google.golang.org/api/option"
)

// app holds the process-wide collaborators shared by every consumer.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	domains  []domains.Domain
	registry *messagepipeline.Registry
	sink     *deadletter.MultiWriter

	redis        *redis.Client
	pubsubClient *pubsub.Client
	memoryDedups []*cache.InMemoryDedup

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: messagepipeline.NewRegistry()}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var err error

	a.domains, err = domains.Select(cfg.Domains.Enabled, cfg.Domains.Topics)
	if err != nil {
		return err
	}

	if cfg.Cache.RedisAddr != "" {
		a.redis, err = cache.NewRedisClient(ctx, &cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		}, logger)
		if err != nil {
			return err
		}
		a.onClose(func() { _ = a.redis.Close() })
	}

	if cfg.Source.Kind == "pubsub" || cfg.DeadLetter.PubsubTopic != "" {
		a.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID, a.gcpOptions()...)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		a.onClose(func() { _ = a.pubsubClient.Close() })
	}

	if err = a.buildSink(ctx); err != nil {
		return err
	}

	invalidator, err := a.invalidator()
	if err != nil {
		return err
	}
	return domains.RegisterAll(a.registry, a.domains, invalidator, domainHandlerConfig(cfg.Retry), logger)
}

// onClose registers cleanup to run, last registered first, on close.
func (a *app) onClose(f func()) { a.closers = append(a.closers, f) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) gcpOptions() []option.ClientOption {
	if a.cfg.PubSub.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(a.cfg.PubSub.CredentialsFile)}
}

func (a *app) buildSink(ctx context.Context) error {
	cfg := a.cfg.DeadLetter
	var primary deadletter.Sink
	switch cfg.Backend {
	case "postgres":
		pool, err := deadletter.NewPostgresPool(ctx, deadletter.PostgresConfig{DSN: cfg.PostgresDSN, MaxConns: cfg.PostgresMaxConns}, a.logger)
		if err != nil {
			return err
		}
		a.onClose(pool.Close)
		sink, err := deadletter.NewPostgresSink(pool, a.logger)
		if err != nil {
			return err
		}
		if err := sink.EnsureSchema(ctx); err != nil {
			return err
		}
		primary = sink
	case "firestore":
		client, err := firestore.NewClient(ctx, a.cfg.PubSub.ProjectID, a.gcpOptions()...)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.onClose(func() { _ = client.Close() })
		sink, err := deadletter.NewFirestoreSink(&deadletter.FirestoreConfig{
			ProjectID:      a.cfg.PubSub.ProjectID,
			CollectionName: cfg.FirestoreCollection,
		}, client, a.logger)
		if err != nil {
			return err
		}
		primary = sink
	default:
		a.logger.Warn().Msg("Using the in-memory dead-letter sink; entries are lost on restart.")
		primary = deadletter.NewInMemorySink()
	}

	var secondaries []deadletter.Writer
	if cfg.BigQueryDataset != "" {
		client, err := deadletter.NewBigQueryClient(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.CredentialsFile, a.logger)
		if err != nil {
			return err
		}
		a.onClose(func() { _ = client.Close() })
		w, err := deadletter.NewBigQueryWriter(ctx, client, &deadletter.BigQueryConfig{
			DatasetID: cfg.BigQueryDataset,
			TableID:   cfg.BigQueryTable,
		}, a.logger)
		if err != nil {
			return err
		}
		secondaries = append(secondaries, w)
	}
	if cfg.GCSBucket != "" {
		client, err := storage.NewClient(ctx, a.gcpOptions()...)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		a.onClose(func() { _ = client.Close() })
		w, err := deadletter.NewGCSArchiveWriter(deadletter.NewStorageObjectStore(client), deadletter.GCSArchiveConfig{
			BucketName:   cfg.GCSBucket,
			ObjectPrefix: cfg.GCSPrefix,
		}, a.logger)
		if err != nil {
			return err
		}
		secondaries = append(secondaries, w)
	}
	if cfg.PubsubTopic != "" {
		w, err := deadletter.NewPubsubWriter(ctx, a.pubsubClient, cfg.PubsubTopic, a.logger)
		if err != nil {
			return err
		}
		a.onClose(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
			defer cancel()
			_ = w.Stop(stopCtx)
		})
		secondaries = append(secondaries, w)
	}

	sink, err := deadletter.NewMultiWriter(primary, a.logger, secondaries...)
	if err != nil {
		return err
	}
	a.sink = sink
	return nil
}

func (a *app) invalidator() (cache.Invalidator, error) {
	if a.redis == nil {
		log := a.logger.With().Str("component", "NoopInvalidator").Logger()
		return cache.InvalidatorFunc(func(_ context.Context, scope string) error {
			log.Debug().Str("scope", scope).Msg("No read-model cache configured, skipping invalidation.")
			return nil
		}), nil
	}
	return cache.NewRedisInvalidator(a.redis, a.cfg.Cache.ReadModelPrefix, a.logger)
}

func (a *app) dedupFor(domain string) (cache.DedupCache, error) {
	cfg := a.cfg.Dedup
	if cfg.Backend == "redis" {
		if a.redis == nil {
			return nil, errors.New("redis dedup requires cache.redis_addr")
		}
		return cache.NewRedisDedup(a.redis, cfg.KeyPrefix+domain+":", cfg.Window, a.logger)
	}
	d := cache.NewInMemoryDedup(&cache.DedupConfig{Window: cfg.Window, SweepInterval: cfg.SweepInterval}, a.logger)
	a.memoryDedups = append(a.memoryDedups, d)
	return d, nil
}

// startSweepers runs the scheduled sweep of every in-memory dedup cache.
func (a *app) startSweepers(ctx context.Context) {
	for _, d := range a.memoryDedups {
		d.StartSweeper(ctx, a.cfg.Dedup.SweepInterval)
	}
}

func (a *app) newSource(ctx context.Context, d domains.Domain) (messagepipeline.EventSource, error) {
	if a.cfg.Source.Kind == "pubsub" {
		pcfg := messagepipeline.NewPubsubSourceDefaults(d.Name + a.cfg.PubSub.SubscriptionSuffix)
		pcfg.ProjectID = a.cfg.PubSub.ProjectID
		pcfg.CredentialsFile = a.cfg.PubSub.CredentialsFile
		pcfg.MaxOutstandingMessages = a.cfg.PubSub.MaxOutstandingMessages
		pcfg.NumGoroutines = a.cfg.PubSub.NumGoroutines
		return messagepipeline.NewPubsubSource(ctx, pcfg, a.pubsubClient, a.logger)
	}

	kcfg := messagepipeline.NewKafkaSourceDefaults(a.cfg.Kafka.Brokers, a.cfg.Kafka.GroupPrefix+"-"+d.Name, d.Topics...)
	kcfg.MaxWait = a.cfg.Kafka.MaxWait
	kcfg.CommitTimeout = a.cfg.Kafka.CommitTimeout
	kcfg.BufferSize = a.cfg.Kafka.BufferSize
	if a.cfg.Kafka.StartOffset == "last" {
		kcfg.StartOffset = kafka.LastOffset
	}
	return messagepipeline.NewKafkaSource(kcfg, a.logger)
}

func (a *app) newConsumer(ctx context.Context, d domains.Domain, executor messagepipeline.TaskSubmitter, m *metrics.ConsumerMetrics) (*messagepipeline.ConsumerService, error) {
	dedup, err := a.dedupFor(d.Name)
	if err != nil {
		return nil, err
	}
	source, err := a.newSource(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("%s source: %w", d.Name, err)
	}
	outcome, err := messagepipeline.NewOutcomeHandler(messagepipeline.OutcomeHandlerConfig{
		Consumer:     d.Name,
		WriteTimeout: a.cfg.DeadLetter.WriteTimeout,
	}, a.sink, m, a.logger)
	if err != nil {
		return nil, err
	}
	dispatcher, err := messagepipeline.NewDispatcher(d.Name, dedup, a.registry, executor, outcome, m, a.logger)
	if err != nil {
		return nil, err
	}
	return messagepipeline.NewConsumerService(source, dispatcher, a.logger)
}
