// Package config loads the event consumer configuration from an optional
// YAML file overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App        App        `yaml:"app"`
	Log        Log        `yaml:"log"`
	HTTP       HTTP       `yaml:"http"`
	Source     Source     `yaml:"source"`
	Kafka      Kafka      `yaml:"kafka"`
	PubSub     PubSub     `yaml:"pubsub"`
	Dedup      Dedup      `yaml:"dedup"`
	Cache      Cache      `yaml:"cache"`
	Executor   Executor   `yaml:"executor"`
	Retry      Retry      `yaml:"retry"`
	DeadLetter DeadLetter `yaml:"dead_letter"`
	Domains    Domains    `yaml:"domains"`
}

type App struct {
	Name        string `yaml:"name" env:"APP_NAME" env-default:"eventflow-consumer"`
	Environment string `yaml:"environment" env:"APP_ENV" env-default:"local"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	// Pretty switches to zerolog's console writer for local runs.
	Pretty bool `yaml:"pretty" env:"LOG_PRETTY" env-default:"false"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:":8080"`
}

// Source selects the broker: "kafka" or "pubsub".
type Source struct {
	Kind string `yaml:"kind" env:"SOURCE_KIND" env-default:"kafka"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// GroupPrefix is joined with the domain name: <prefix>-<domain>.
	GroupPrefix   string        `yaml:"group_prefix" env:"KAFKA_GROUP_PREFIX" env-default:"bss"`
	StartOffset   string        `yaml:"start_offset" env:"KAFKA_START_OFFSET" env-default:"first"`
	MaxWait       time.Duration `yaml:"max_wait" env:"KAFKA_MAX_WAIT" env-default:"500ms"`
	CommitTimeout time.Duration `yaml:"commit_timeout" env:"KAFKA_COMMIT_TIMEOUT" env-default:"10s"`
	BufferSize    int           `yaml:"buffer_size" env:"KAFKA_BUFFER_SIZE" env-default:"100"`
}

type PubSub struct {
	ProjectID       string `yaml:"project_id" env:"PUBSUB_PROJECT_ID"`
	CredentialsFile string `yaml:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	// SubscriptionSuffix is appended to the domain name: <domain><suffix>.
	SubscriptionSuffix     string `yaml:"subscription_suffix" env:"PUBSUB_SUBSCRIPTION_SUFFIX" env-default:"-consumer"`
	MaxOutstandingMessages int    `yaml:"max_outstanding_messages" env:"PUBSUB_MAX_OUTSTANDING" env-default:"100"`
	NumGoroutines          int    `yaml:"num_goroutines" env:"PUBSUB_NUM_GOROUTINES" env-default:"5"`
}

type Dedup struct {
	// Backend is "memory" (per instance) or "redis" (shared by the group).
	Backend       string        `yaml:"backend" env:"DEDUP_BACKEND" env-default:"memory"`
	Window        time.Duration `yaml:"window" env:"DEDUP_WINDOW" env-default:"1h"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"DEDUP_SWEEP_INTERVAL" env-default:"1m"`
	KeyPrefix     string        `yaml:"key_prefix" env:"DEDUP_KEY_PREFIX" env-default:"eventflow:dedup:"`
}

type Cache struct {
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB" env-default:"0"`
	// ReadModelPrefix namespaces the read-model keys handlers invalidate.
	ReadModelPrefix string `yaml:"read_model_prefix" env:"CACHE_READ_MODEL_PREFIX" env-default:"readmodel:"`
}

type Executor struct {
	Workers        int           `yaml:"workers" env:"EXECUTOR_WORKERS" env-default:"16"`
	QueueSize      int           `yaml:"queue_size" env:"EXECUTOR_QUEUE_SIZE" env-default:"256"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"EXECUTOR_HANDLER_TIMEOUT" env-default:"30s"`
	BlockOnFull    bool          `yaml:"block_on_full" env:"EXECUTOR_BLOCK_ON_FULL" env-default:"true"`
}

// Retry configures the opt-in handler retry wrapper. MaxAttempts of 1
// keeps the immediate dead-letter behavior.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"1"`
	BaseBackoff time.Duration `yaml:"base_backoff" env:"RETRY_BASE_BACKOFF" env-default:"100ms"`
	MaxBackoff  time.Duration `yaml:"max_backoff" env:"RETRY_MAX_BACKOFF" env-default:"2s"`
}

type DeadLetter struct {
	// Backend is the queryable primary: "memory", "postgres" or "firestore".
	Backend             string        `yaml:"backend" env:"DLQ_BACKEND" env-default:"memory"`
	WriteTimeout        time.Duration `yaml:"write_timeout" env:"DLQ_WRITE_TIMEOUT" env-default:"10s"`
	PostgresDSN         string        `yaml:"postgres_dsn" env:"DLQ_POSTGRES_DSN"`
	PostgresMaxConns    int32         `yaml:"postgres_max_conns" env:"DLQ_POSTGRES_MAX_CONNS" env-default:"4"`
	FirestoreCollection string        `yaml:"firestore_collection" env:"DLQ_FIRESTORE_COLLECTION" env-default:"dead-letters"`

	// Optional secondaries; each is enabled when its target is set.
	BigQueryDataset string `yaml:"bigquery_dataset" env:"DLQ_BIGQUERY_DATASET"`
	BigQueryTable   string `yaml:"bigquery_table" env:"DLQ_BIGQUERY_TABLE" env-default:"dead_letters"`
	GCSBucket       string `yaml:"gcs_bucket" env:"DLQ_GCS_BUCKET"`
	GCSPrefix       string `yaml:"gcs_prefix" env:"DLQ_GCS_PREFIX" env-default:"dead-letters"`
	PubsubTopic     string `yaml:"pubsub_topic" env:"DLQ_PUBSUB_TOPIC"`
}

type Domains struct {
	Enabled []string `yaml:"enabled" env:"DOMAINS_ENABLED" env-default:"customer,invoice,payment,order,service,subscription"`
	// Topics overrides the catalog's sub-topics for a domain.
	Topics map[string][]string `yaml:"topics"`
}

// Load reads path when it is not empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and the settings each backend requires.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{"kafka", "pubsub"}, c.Source.Kind) {
		errs = append(errs, fmt.Errorf("source.kind must be kafka or pubsub, got %q", c.Source.Kind))
	}
	if c.Source.Kind == "kafka" && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required"))
	}
	if !slices.Contains([]string{"first", "last"}, c.Kafka.StartOffset) {
		errs = append(errs, fmt.Errorf("kafka.start_offset must be first or last, got %q", c.Kafka.StartOffset))
	}
	if c.Source.Kind == "pubsub" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required for the pubsub source"))
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Dedup.Backend) {
		errs = append(errs, fmt.Errorf("dedup.backend must be memory or redis, got %q", c.Dedup.Backend))
	}
	if c.Dedup.Backend == "redis" && c.Cache.RedisAddr == "" {
		errs = append(errs, errors.New("cache.redis_addr is required for the redis dedup backend"))
	}
	if c.Dedup.Window <= 0 {
		errs = append(errs, errors.New("dedup.window must be positive"))
	}
	switch c.DeadLetter.Backend {
	case "memory":
	case "postgres":
		if c.DeadLetter.PostgresDSN == "" {
			errs = append(errs, errors.New("dead_letter.postgres_dsn is required for the postgres backend"))
		}
	case "firestore":
		if c.PubSub.ProjectID == "" {
			errs = append(errs, errors.New("pubsub.project_id is required for the firestore backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("dead_letter.backend must be memory, postgres or firestore, got %q", c.DeadLetter.Backend))
	}
	if c.Executor.Workers <= 0 {
		errs = append(errs, errors.New("executor.workers must be positive"))
	}
	if len(c.Domains.Enabled) == 0 {
		errs = append(errs, errors.New("domains.enabled must list at least one domain"))
	}
	return errors.Join(errs...)
}
