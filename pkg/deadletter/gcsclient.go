package deadletter

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// ObjectStore opens a writer for a single archive object. Closing the writer
// commits the object; cancelling ctx before Close abandons it.
type ObjectStore interface {
	NewObjectWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

// storageObjectStore uploads archive objects through Cloud Storage.
type storageObjectStore struct {
	client *storage.Client
}

// NewStorageObjectStore returns an ObjectStore backed by client, or nil for a
// nil client.
func NewStorageObjectStore(client *storage.Client) ObjectStore {
	if client == nil {
		return nil
	}
	return &storageObjectStore{client: client}
}

func (s *storageObjectStore) NewObjectWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ContentEncoding = "gzip"
	return w
}
