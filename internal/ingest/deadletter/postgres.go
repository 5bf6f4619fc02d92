package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/janovincze/tidings/internal/ingest"
)

// PostgresManager implements Manager using PostgreSQL.
type PostgresManager struct {
	db     *sql.DB
	logger *slog.Logger
}

const createDeadLetterTable = `
	CREATE SCHEMA IF NOT EXISTS tidings;
	CREATE TABLE IF NOT EXISTS tidings.dead_letters (
		id             UUID PRIMARY KEY,
		source_id      TEXT NOT NULL,
		correlation_id TEXT,
		stage          TEXT NOT NULL,
		message        JSONB NOT NULL,
		error_message  TEXT NOT NULL,
		error_type     TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		expires_at     TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS dead_letters_source_idx
		ON tidings.dead_letters (source_id, created_at);
`

// NewPostgresManager creates a PostgreSQL-backed manager over an open
// database and ensures its table exists. The database is owned by the caller.
func NewPostgresManager(ctx context.Context, db *sql.DB, logger *slog.Logger) (*PostgresManager, error) {
	if _, err := db.ExecContext(ctx, createDeadLetterTable); err != nil {
		return nil, fmt.Errorf("create dead letter table: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresManager{
		db:     db,
		logger: logger.With("component", "dlq-manager", "backend", "postgres"),
	}, nil
}

// Write adds an entry.
func (m *PostgresManager) Write(ctx context.Context, entry Entry) error {
	query := `
		INSERT INTO tidings.dead_letters (
			id, source_id, correlation_id, stage, message,
			error_message, error_type, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := m.db.ExecContext(ctx, query,
		entry.ID,
		entry.SourceID,
		entry.CorrelationID,
		string(entry.Stage),
		[]byte(entry.Message),
		entry.ErrorMessage,
		entry.ErrorType,
		entry.CreatedAt,
		entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter entry: %w", err)
	}

	m.logger.Debug("entry added to DLQ",
		"id", entry.ID,
		"source_id", entry.SourceID,
		"stage", entry.Stage,
		"error_type", entry.ErrorType,
	)
	return nil
}

const selectEntries = `
	SELECT id, source_id, correlation_id, stage, message,
	       error_message, error_type, created_at, expires_at
	FROM tidings.dead_letters
`

// Read returns up to limit entries, oldest first.
func (m *PostgresManager) Read(ctx context.Context, limit int) ([]Entry, error) {
	return m.query(ctx, selectEntries+` ORDER BY created_at ASC LIMIT $1`, limitOrAll(limit))
}

// ReadBySource returns up to limit entries for a source.
func (m *PostgresManager) ReadBySource(ctx context.Context, sourceID string, limit int) ([]Entry, error) {
	return m.query(ctx, selectEntries+` WHERE source_id = $1 ORDER BY created_at ASC LIMIT $2`, sourceID, limitOrAll(limit))
}

func (m *PostgresManager) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letter entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			stage         string
			correlationID sql.NullString
			message       []byte
			expiresAt     sql.NullTime
		)
		if err := rows.Scan(
			&e.ID,
			&e.SourceID,
			&correlationID,
			&stage,
			&message,
			&e.ErrorMessage,
			&e.ErrorType,
			&e.CreatedAt,
			&expiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter entry: %w", err)
		}
		e.Stage = ingest.Stage(stage)
		e.CorrelationID = correlationID.String
		e.Message = message
		if expiresAt.Valid {
			e.ExpiresAt = &expiresAt.Time
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter entries: %w", err)
	}
	return entries, nil
}

// Delete removes an entry.
func (m *PostgresManager) Delete(ctx context.Context, id string) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM tidings.dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entry not found: %s", id)
	}
	m.logger.Debug("entry deleted from DLQ", "id", id)
	return nil
}

// Cleanup removes expired entries.
func (m *PostgresManager) Cleanup(ctx context.Context) (int64, error) {
	result, err := m.db.ExecContext(ctx,
		`DELETE FROM tidings.dead_letters WHERE expires_at IS NOT NULL AND expires_at < $1`,
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		m.logger.Info("cleaned up expired DLQ entries", "count", n)
	}
	return n, nil
}

// Count returns the number of entries.
func (m *PostgresManager) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tidings.dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letter entries: %w", err)
	}
	return count, nil
}

// Stats groups entries by source and error type.
func (m *PostgresManager) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{BySource: map[string]int64{}, ByErrorType: map[string]int64{}}

	rows, err := m.db.QueryContext(ctx, `
		SELECT source_id, error_type, COUNT(*)
		FROM tidings.dead_letters
		GROUP BY source_id, error_type
	`)
	if err != nil {
		return stats, fmt.Errorf("query dead letter stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source, errType string
		var n int64
		if err := rows.Scan(&source, &errType, &n); err != nil {
			return stats, fmt.Errorf("scan stats row: %w", err)
		}
		stats.TotalCount += n
		stats.BySource[source] += n
		stats.ByErrorType[errType] += n
	}
	return stats, rows.Err()
}

// Close is a no-op; the database is owned by the caller.
func (m *PostgresManager) Close() error {
	return nil
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil // LIMIT NULL returns all rows
	}
	return limit
}

var _ Manager = (*PostgresManager)(nil)
