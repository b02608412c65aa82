package deadletter

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
)

// GCSArchiveConfig holds configuration for the archive writer.
type GCSArchiveConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSArchiveWriter writes each entry as a gzipped JSON object under
// <prefix>/<consumer>/<yyyy>/<mm>/<dd>/<id>.json.gz for long-term retention.
type GCSArchiveWriter struct {
	store  ObjectStore
	config GCSArchiveConfig
	logger zerolog.Logger
}

// NewGCSArchiveWriter creates an archive writer.
func NewGCSArchiveWriter(store ObjectStore, config GCSArchiveConfig, logger zerolog.Logger) (*GCSArchiveWriter, error) {
	if store == nil {
		return nil, errors.New("object store cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSArchiveWriter{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "GCSArchiveWriter").Str("bucket", config.BucketName).Logger(),
	}, nil
}

// ObjectName returns the object path entry is archived under.
func (w *GCSArchiveWriter) ObjectName(entry *types.DeadLetterEntry) string {
	consumer := entry.Consumer
	if consumer == "" {
		consumer = "unknown"
	}
	return path.Join(w.config.ObjectPrefix, consumer, entry.RecordedAt.UTC().Format("2006/01/02"), entry.ID+".json.gz")
}

// Store uploads entry. A failed encode abandons the upload so no truncated
// object is left behind.
func (w *GCSArchiveWriter) Store(ctx context.Context, entry *types.DeadLetterEntry) error {
	if entry == nil || entry.ID == "" {
		return errors.New("dead-letter entry with an id is required")
	}
	objectName := w.ObjectName(entry)

	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	obj := w.store.NewObjectWriter(uploadCtx, w.config.BucketName, objectName)

	gz := gzip.NewWriter(obj)
	if err := json.NewEncoder(gz).Encode(entry); err != nil {
		cancel()
		_ = obj.Close()
		return fmt.Errorf("json encoding failed for %s: %w", objectName, err)
	}
	if err := gz.Close(); err != nil {
		cancel()
		_ = obj.Close()
		return fmt.Errorf("gzip flush failed for %s: %w", objectName, err)
	}
	if err := obj.Close(); err != nil {
		return fmt.Errorf("failed to commit archive object %s: %w", objectName, err)
	}
	w.logger.Debug().Str("object_name", objectName).Msg("Archived dead-letter entry.")
	return nil
}
