package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Schema creates the dead-letter table. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id            TEXT PRIMARY KEY,
	consumer      TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	raw_envelope  BYTEA NOT NULL,
	error_message TEXT NOT NULL,
	topic         TEXT NOT NULL,
	partition     INTEGER NOT NULL,
	"offset"      BIGINT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	recorded_at   TIMESTAMPTZ NOT NULL,
	resolved_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS dead_letters_unresolved_idx
	ON dead_letters (consumer, recorded_at) WHERE resolved_at IS NULL;
`

// DBTX is the subset of *pgxpool.Pool the sink uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresConfig holds the connection settings for the Postgres sink.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnIdleTime time.Duration
}

// NewPostgresPool opens a pgx pool and verifies connectivity.
func NewPostgresPool(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	logger.Info().Str("host", poolCfg.ConnConfig.Host).Str("database", poolCfg.ConnConfig.Database).Msg("Connected to Postgres.")
	return pool, nil
}

// PostgresSink stores dead-letter entries in the dead_letters table.
type PostgresSink struct {
	db     DBTX
	logger zerolog.Logger
}

// NewPostgresSink creates a sink on db. The pool's lifecycle is managed by the caller.
func NewPostgresSink(db DBTX, logger zerolog.Logger) (*PostgresSink, error) {
	if db == nil {
		return nil, errors.New("postgres db cannot be nil")
	}
	return &PostgresSink{
		db:     db,
		logger: logger.With().Str("component", "PostgresSink").Logger(),
	}, nil
}

// EnsureSchema creates the table and index if they do not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create dead-letter schema: %w", err)
	}
	return nil
}

// Store inserts entry. Storing the same id twice is a no-op.
func (s *PostgresSink) Store(ctx context.Context, entry *types.DeadLetterEntry) error {
	if entry == nil || entry.ID == "" {
		return errors.New("dead-letter entry with an id is required")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO dead_letters (
			id, consumer, event_id, event_type, raw_envelope, error_message, topic, partition, "offset", retry_count, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.Consumer, entry.EventID, entry.EventType, entry.RawEnvelope, entry.ErrorMessage,
		entry.Topic, entry.Partition, entry.Offset, entry.RetryCount, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter entry %s: %w", entry.ID, err)
	}
	s.logger.Debug().Str("dlq_id", entry.ID).Str("event_id", entry.EventID).Msg("Dead-letter entry stored.")
	return nil
}

// ListUnresolved returns matching entries ordered by recorded_at.
func (s *PostgresSink) ListUnresolved(ctx context.Context, filter Filter) ([]*types.DeadLetterEntry, error) {
	query, args := buildListQuery(filter)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*types.DeadLetterEntry
	for rows.Next() {
		var e types.DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.Consumer, &e.EventID, &e.EventType, &e.RawEnvelope, &e.ErrorMessage,
			&e.Topic, &e.Partition, &e.Offset, &e.RetryCount, &e.RecordedAt, &e.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return out, nil
}

// MarkResolved sets resolved_at for id.
func (s *PostgresSink) MarkResolved(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE dead_letters SET resolved_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func buildListQuery(f Filter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, consumer, event_id, event_type, raw_envelope, error_message, topic, partition, "offset", retry_count, recorded_at, resolved_at
		FROM dead_letters WHERE resolved_at IS NULL`)
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&sb, " AND %s $%d", clause, len(args))
	}
	if f.Consumer != "" {
		add("consumer =", f.Consumer)
	}
	if f.EventType != "" {
		add("event_type =", f.EventType)
	}
	if !f.Since.IsZero() {
		add("recorded_at >=", f.Since)
	}
	sb.WriteString(" ORDER BY recorded_at ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}
