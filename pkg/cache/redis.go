package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a Redis client and pings the server to ensure
// connectivity before returning.
func NewRedisClient(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return rdb, nil
}

// RedisInvalidator evicts cached read-model entries stored in Redis. A scope
// is deleted along with every key nested under it ("scope:*").
type RedisInvalidator struct {
	client    redis.UniversalClient
	keyPrefix string
	scanCount int64
	logger    zerolog.Logger
}

// NewRedisInvalidator creates an invalidator on an existing client. The
// client's lifecycle is managed by the caller.
func NewRedisInvalidator(client redis.UniversalClient, keyPrefix string, logger zerolog.Logger) (*RedisInvalidator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisInvalidator{
		client:    client,
		keyPrefix: keyPrefix,
		scanCount: 100,
		logger:    logger.With().Str("component", "RedisInvalidator").Logger(),
	}, nil
}

// Invalidate deletes the scope key and all keys under it.
func (r *RedisInvalidator) Invalidate(ctx context.Context, scope string) error {
	base := r.keyPrefix + scope
	keys := []string{base}

	iter := r.client.Scan(ctx, 0, base+":*", r.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed for scope %s: %w", scope, err)
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del failed for scope %s: %w", scope, err)
	}
	r.logger.Debug().Str("scope", scope).Int("keys", len(keys)).Msg("Invalidated cache scope.")
	return nil
}

// expiry converts a window into the TTL Redis should hold a key for, never
// shorter than one millisecond.
func expiry(window time.Duration) time.Duration {
	if window < time.Millisecond {
		return time.Millisecond
	}
	return window
}
