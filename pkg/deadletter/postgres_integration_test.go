//go:build integration

package deadletter_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-eventflow/pkg/deadletter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSink_Integration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set, skipping Postgres integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := deadletter.NewPostgresPool(ctx, deadletter.PostgresConfig{DSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	sink, err := deadletter.NewPostgresSink(pool, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sink.EnsureSchema(ctx))

	consumer := "it-" + uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Millisecond)
	first := newEntry(uuid.NewString(), consumer, "customer.created.v1", now)
	second := newEntry(uuid.NewString(), consumer, "customer.updated.v1", now.Add(time.Second))

	require.NoError(t, sink.Store(ctx, second))
	require.NoError(t, sink.Store(ctx, first))
	require.NoError(t, sink.Store(ctx, first), "storing the same id twice must be a no-op")

	entries, err := sink.ListUnresolved(ctx, deadletter.Filter{Consumer: consumer})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, first.RawEnvelope, entries[0].RawEnvelope)
	assert.Equal(t, first.Offset, entries[0].Offset)

	require.NoError(t, sink.MarkResolved(ctx, first.ID, time.Now()))
	entries, err = sink.ListUnresolved(ctx, deadletter.Filter{Consumer: consumer})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second.ID, entries[0].ID)

	assert.ErrorIs(t, sink.MarkResolved(ctx, uuid.NewString(), time.Now()), deadletter.ErrNotFound)
}
