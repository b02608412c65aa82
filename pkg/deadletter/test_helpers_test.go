package deadletter_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/types"
)

// --- Mock object store ---

type mockObjectWriter struct {
	mu       sync.Mutex
	ctx      context.Context
	buf      bytes.Buffer
	closed   bool
	writeErr error
}

func (m *mockObjectWriter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.buf.Write(p)
}

func (m *mockObjectWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

func (m *mockObjectWriter) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf.Bytes()...)
}

// mockObjectStore keeps one writer per bucket/object path.
type mockObjectStore struct {
	mu       sync.Mutex
	objects  map[string]*mockObjectWriter
	writeErr error
}

func newMockObjectStore() *mockObjectStore {
	return &mockObjectStore{objects: make(map[string]*mockObjectWriter)}
}

func (m *mockObjectStore) NewObjectWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &mockObjectWriter{ctx: ctx, writeErr: m.writeErr}
	m.objects[bucket+"/"+object] = w
	return w
}

func (m *mockObjectStore) object(path string) (*mockObjectWriter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.objects[path]
	return w, ok
}

// --- Mock Writer ---

type mockWriter struct {
	mu      sync.Mutex
	entries []*types.DeadLetterEntry
	err     error
}

func (m *mockWriter) Store(_ context.Context, entry *types.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockWriter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newEntry(id, consumer, eventType string, recordedAt time.Time) *types.DeadLetterEntry {
	return &types.DeadLetterEntry{
		ID:           id,
		Consumer:     consumer,
		EventID:      "evt-" + id,
		EventType:    eventType,
		RawEnvelope:  []byte(`{"id":"evt-` + id + `","type":"` + eventType + `"}`),
		ErrorMessage: "boom",
		Topic:        consumer + ".created",
		Partition:    1,
		Offset:       42,
		RecordedAt:   recordedAt,
	}
}
