package deadletter_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-eventflow/pkg/deadletter"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPubsubClient(t *testing.T, ctx context.Context, projectID string) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPubsubWriter_Store(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, srv := newTestPubsubClient(t, ctx, "test-project")
	_, err := client.CreateTopic(ctx, "dead-letters")
	require.NoError(t, err)

	writer, err := deadletter.NewPubsubWriter(ctx, client, "dead-letters", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Stop(context.Background()) })

	entry := newEntry("dlq-1", "payment", "payment.failed.v1", time.Now().UTC())
	entry.RetryCount = 2
	require.NoError(t, writer.Store(ctx, entry))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "payment", msgs[0].Attributes["consumer"])
	assert.Equal(t, "payment.failed.v1", msgs[0].Attributes["event_type"])
	assert.Equal(t, "2", msgs[0].Attributes["retry_count"])

	var forwarded types.DeadLetterEntry
	require.NoError(t, json.Unmarshal(msgs[0].Data, &forwarded))
	assert.Equal(t, entry.EventID, forwarded.EventID)
}

func TestNewPubsubWriter_MissingTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, _ := newTestPubsubClient(t, ctx, "test-project")
	_, err := deadletter.NewPubsubWriter(ctx, client, "does-not-exist", zerolog.Nop())
	assert.Error(t, err)
}
