package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/janovincze/tidings/internal/ingest"
)

// PostgresStore implements checkpoint persistence using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// PostgresConfig holds configuration for the PostgreSQL checkpoint store.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

const createCheckpointsTable = `
	CREATE SCHEMA IF NOT EXISTS tidings;
	CREATE TABLE IF NOT EXISTS tidings.checkpoints (
		source_id      TEXT PRIMARY KEY,
		last_timestamp BIGINT NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	);
`

// NewPostgresStore creates a new PostgreSQL checkpoint store and ensures its table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, createCheckpointsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresStore{
		db:     db,
		logger: logger.With("component", "checkpoint-store", "backend", "postgres"),
	}, nil
}

// Load retrieves the checkpoint for a source.
func (s *PostgresStore) Load(ctx context.Context, sourceID string) (*ingest.Checkpoint, error) {
	query := `
		SELECT source_id, last_timestamp, updated_at
		FROM tidings.checkpoints
		WHERE source_id = $1
	`

	var cp ingest.Checkpoint
	err := s.db.QueryRowContext(ctx, query, sourceID).Scan(
		&cp.SourceID,
		&cp.LastTimestamp,
		&cp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	return &cp, nil
}

// Advance stores ts if it exceeds the stored value. The comparison and the
// write happen in one conditional upsert, so concurrent advancers cannot
// regress the record.
func (s *PostgresStore) Advance(ctx context.Context, sourceID string, ts int64) (bool, error) {
	query := `
		INSERT INTO tidings.checkpoints AS cp (source_id, last_timestamp, updated_at)
		SELECT $1, $2::bigint, now()
		WHERE $2::bigint > 0
		ON CONFLICT (source_id)
		DO UPDATE SET
			last_timestamp = EXCLUDED.last_timestamp,
			updated_at = EXCLUDED.updated_at
		WHERE cp.last_timestamp < EXCLUDED.last_timestamp
	`

	result, err := s.db.ExecContext(ctx, query, sourceID, ts)
	if err != nil {
		return false, fmt.Errorf("advance checkpoint: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance checkpoint rows: %w", err)
	}

	if n > 0 {
		s.logger.Debug("checkpoint written", "source_id", sourceID, "last_timestamp", ts)
	}
	return n > 0, nil
}

// List returns all stored checkpoints ordered by source ID.
func (s *PostgresStore) List(ctx context.Context) ([]ingest.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, last_timestamp, updated_at
		FROM tidings.checkpoints
		ORDER BY source_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []ingest.Checkpoint
	for rows.Next() {
		var cp ingest.Checkpoint
		if err := rows.Scan(&cp.SourceID, &cp.LastTimestamp, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete removes the checkpoint for a source.
func (s *PostgresStore) Delete(ctx context.Context, sourceID string) error {
	query := `DELETE FROM tidings.checkpoints WHERE source_id = $1`

	if _, err := s.db.ExecContext(ctx, query, sourceID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint deleted", "source_id", sourceID)
	return nil
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
