package deadletter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQueryConfig identifies the table dead letters are streamed into.
type BigQueryConfig struct {
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// NewBigQueryClient creates a BigQuery client, using a credentials file when
// one is configured and Application Default Credentials otherwise.
func NewBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryWriter streams dead-letter entries into an analytics table. It is
// append-only and therefore a Writer, not a Sink: use it as a secondary of a
// MultiWriter.
type BigQueryWriter struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryWriter connects to the configured table, creating it with a
// schema inferred from DeadLetterEntry if it does not exist yet.
func NewBigQueryWriter(ctx context.Context, client *bigquery.Client, cfg *BigQueryConfig, logger zerolog.Logger) (*BigQueryWriter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil || cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("bigquery dataset and table are required")
	}
	logger = logger.With().
		Str("component", "BigQueryWriter").
		Str("project_id", client.Project()).
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
		schema, inferErr := bigquery.InferSchema(types.DeadLetterEntry{})
		if inferErr != nil {
			return nil, fmt.Errorf("failed to infer dead-letter schema: %w", inferErr)
		}
		if createErr := table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); createErr != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
		}
		logger.Info().Msg("BigQuery table created successfully.")
	}

	return &BigQueryWriter{inserter: table.Inserter(), logger: logger}, nil
}

// Store streams one row. The entry id doubles as the insert id so a retried
// write is deduplicated by BigQuery.
func (w *BigQueryWriter) Store(ctx context.Context, entry *types.DeadLetterEntry) error {
	if entry == nil {
		return errors.New("dead-letter entry cannot be nil")
	}
	saver := &bigquery.StructSaver{Struct: entry, InsertID: entry.ID}
	if err := w.inserter.Put(ctx, saver); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				w.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
