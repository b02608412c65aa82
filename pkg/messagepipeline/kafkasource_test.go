package messagepipeline_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKafkaReader serves queued messages and records commits.
type fakeKafkaReader struct {
	msgs chan kafka.Message

	mu      sync.Mutex
	commits []kafka.Message
	closed  bool
}

func newFakeKafkaReader(msgs ...kafka.Message) *fakeKafkaReader {
	r := &fakeKafkaReader{msgs: make(chan kafka.Message, len(msgs)+10)}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return io.ErrClosedPipe
	}
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *fakeKafkaReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeKafkaReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.commits))
	for _, c := range r.commits {
		out = append(out, c.Offset)
	}
	return out
}

func kafkaMsg(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "invoice.issued", Partition: 2, Offset: offset, Value: []byte(value)}
}

func startKafkaSource(t *testing.T, reader *fakeKafkaReader) *messagepipeline.KafkaSource {
	t.Helper()
	cfg := messagepipeline.NewKafkaSourceDefaults([]string{"localhost:9092"}, "invoice-consumer", "invoice.issued", "invoice.paid")
	src, err := messagepipeline.NewKafkaSourceWithReader(cfg, reader, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = src.Stop(ctx)
		_ = src.Close()
	})
	return src
}

func receive(t *testing.T, src messagepipeline.EventSource, n int) []types.Delivery {
	t.Helper()
	out := make([]types.Delivery, 0, n)
	for len(out) < n {
		select {
		case d := <-src.Deliveries():
			out = append(out, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestKafkaSource_DecodesDeliveries(t *testing.T) {
	structured := kafkaMsg(0, `{"id":"e1","type":"invoice.issued.v1","source":"billing","data":{"invoiceId":"i1"}}`)
	binary := kafkaMsg(1, `{"invoiceId":"i2"}`)
	binary.Headers = []kafka.Header{
		{Key: "ce_id", Value: []byte("e2")},
		{Key: "ce_type", Value: []byte("invoice.paid.v1")},
		{Key: "ce_source", Value: []byte("billing")},
		{Key: "ce_time", Value: []byte("2025-06-01T10:00:00Z")},
	}
	garbage := kafkaMsg(2, `not json`)

	src := startKafkaSource(t, newFakeKafkaReader(structured, binary, garbage))
	ds := receive(t, src, 3)

	assert.Equal(t, "e1", ds[0].Envelope.ID)
	assert.Equal(t, "invoice.issued.v1", ds[0].Envelope.Type)
	assert.JSONEq(t, `{"invoiceId":"i1"}`, string(ds[0].Envelope.Payload))
	assert.Equal(t, types.Coordinates{Topic: "invoice.issued", Partition: 2, Offset: 0}, ds[0].Coordinates)

	assert.Equal(t, "e2", ds[1].Envelope.ID)
	assert.Equal(t, "invoice.paid.v1", ds[1].Envelope.Type)
	require.NotNil(t, ds[1].Envelope.Time)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), ds[1].Envelope.Time.UTC())
	assert.Nil(t, ds[0].Envelope.Time)
	assert.JSONEq(t, `{"invoiceId":"i2"}`, string(ds[1].Envelope.Payload))
	replayable, err := types.DecodeEnvelope(ds[1].Raw)
	require.NoError(t, err, "binary-mode records keep a structured copy for dead-lettering")
	assert.Equal(t, "e2", replayable.ID)
	assert.Equal(t, "invoice.paid.v1", replayable.Type)

	assert.False(t, ds[2].Envelope.Valid(), "undecodable record surfaces as malformed")
	assert.Equal(t, []byte("not json"), ds[2].Raw)
}

func TestKafkaSource_CommitsOnlyContiguousAcks(t *testing.T) {
	reader := newFakeKafkaReader(kafkaMsg(0, `{}`), kafkaMsg(1, `{}`), kafkaMsg(2, `{}`))
	src := startKafkaSource(t, reader)
	ds := receive(t, src, 3)

	assert.Empty(t, reader.committedOffsets(), "nothing is committed on receipt")

	ds[2].Ack()
	ds[1].Ack()
	assert.Empty(t, reader.committedOffsets(), "offset 0 is still in flight")

	ds[0].Ack()
	assert.Equal(t, []int64{2}, reader.committedOffsets())

	off, ok := src.CommittedOffset("invoice.issued", 2)
	require.True(t, ok)
	assert.Equal(t, int64(2), off)
}

func TestKafkaSource_ConcurrentAcksNeverRegress(t *testing.T) {
	const n = 200
	msgs := make([]kafka.Message, n)
	for i := range msgs {
		msgs[i] = kafkaMsg(int64(i), `{}`)
	}
	reader := newFakeKafkaReader(msgs...)
	src := startKafkaSource(t, reader)
	ds := receive(t, src, n)

	var wg sync.WaitGroup
	for i := len(ds) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(d types.Delivery) {
			defer wg.Done()
			d.Ack()
		}(ds[i])
	}
	wg.Wait()

	commits := reader.committedOffsets()
	require.NotEmpty(t, commits)
	for i := 1; i < len(commits); i++ {
		assert.Greater(t, commits[i], commits[i-1], "commits must strictly increase")
	}
	assert.Equal(t, int64(n-1), commits[len(commits)-1])
}

func TestKafkaSource_StopClosesDeliveries(t *testing.T) {
	reader := newFakeKafkaReader()
	cfg := messagepipeline.NewKafkaSourceDefaults([]string{"localhost:9092"}, "g", "t")
	src, err := messagepipeline.NewKafkaSourceWithReader(cfg, reader, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	assert.Error(t, src.Start(context.Background()), "double start")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, src.Stop(ctx))

	_, open := <-src.Deliveries()
	assert.False(t, open)
	<-src.Done()
	require.NoError(t, src.Close())
	assert.True(t, reader.closed)
}

func TestNewKafkaSource_Validation(t *testing.T) {
	_, err := messagepipeline.NewKafkaSource(nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = messagepipeline.NewKafkaSource(&messagepipeline.KafkaSourceConfig{GroupID: "g", Topics: []string{"t"}}, zerolog.Nop())
	assert.Error(t, err)
	_, err = messagepipeline.NewKafkaSource(&messagepipeline.KafkaSourceConfig{Brokers: []string{"b"}, Topics: []string{"t"}}, zerolog.Nop())
	assert.Error(t, err)
	_, err = messagepipeline.NewKafkaSourceWithReader(messagepipeline.NewKafkaSourceDefaults(nil, "g"), nil, zerolog.Nop())
	assert.Error(t, err)
}
