package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisDedup is a DedupCache backed by Redis. SET NX with an expiry gives the
// same atomic check-and-record contract as InMemoryDedup, shared by every
// instance pointed at the same Redis; expiry replaces the sweep.
type RedisDedup struct {
	client    redis.UniversalClient
	keyPrefix string
	window    time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRedisDedup creates a Redis-backed dedup cache. The client's lifecycle is
// managed by the caller.
func NewRedisDedup(client redis.UniversalClient, keyPrefix string, window time.Duration, logger zerolog.Logger) (*RedisDedup, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RedisDedup{
		client:    client,
		keyPrefix: keyPrefix,
		window:    window,
		now:       time.Now,
		logger:    logger.With().Str("component", "RedisDedup").Logger(),
	}, nil
}

// Seen records id and reports whether it was already present.
func (r *RedisDedup) Seen(ctx context.Context, id string) (bool, error) {
	key := r.keyPrefix + id
	created, err := r.client.SetNX(ctx, key, r.now().UnixMilli(), expiry(r.window)).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed for key %s: %w", key, err)
	}
	if !created {
		r.logger.Debug().Str("event_id", id).Msg("Duplicate event id found in Redis.")
	}
	return !created, nil
}
