package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS call_history (
	session_id          TEXT PRIMARY KEY,
	call_id             TEXT NOT NULL DEFAULT '',
	direction           TEXT NOT NULL,
	queue_name          TEXT NOT NULL DEFAULT '',
	counterparty_number TEXT NOT NULL DEFAULT '',
	was_established     INTEGER NOT NULL DEFAULT 0,
	disposition         TEXT NOT NULL DEFAULT '',
	started_at          INTEGER NOT NULL,
	ended_at            INTEGER,
	cleared_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_history_cleared ON call_history(cleared_at);
`

// SQLiteStore implements Store on a local SQLite file
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// journaling and a busy timeout
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	logger.Info().Str("path", path).Msg("local state store opened")

	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Get returns the value stored under key
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// SaveCallRecord inserts or replaces the history entry for a session
func (s *SQLiteStore) SaveCallRecord(ctx context.Context, record types.CallRecord) error {
	var endedAt sql.NullInt64
	if record.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: record.EndedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO call_history
			(session_id, call_id, direction, queue_name, counterparty_number,
			 was_established, disposition, started_at, ended_at, cleared_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.CallID, string(record.Direction), record.QueueName,
		record.CounterpartyNumber, record.WasEstablished, record.Disposition,
		record.StartedAt.UnixMilli(), endedAt, record.ClearedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save call record %s: %w", record.SessionID, err)
	}
	return nil
}

// RecentCalls lists the newest history entries first
func (s *SQLiteStore) RecentCalls(ctx context.Context, limit int) ([]types.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, call_id, direction, queue_name, counterparty_number,
		       was_established, disposition, started_at, ended_at, cleared_at
		FROM call_history ORDER BY cleared_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()

	var records []types.CallRecord
	for rows.Next() {
		var (
			r                    types.CallRecord
			direction            string
			startedAt, clearedAt int64
			endedAt              sql.NullInt64
		)
		if err := rows.Scan(&r.SessionID, &r.CallID, &direction, &r.QueueName, &r.CounterpartyNumber,
			&r.WasEstablished, &r.Disposition, &startedAt, &endedAt, &clearedAt); err != nil {
			return nil, fmt.Errorf("scan call history: %w", err)
		}
		r.Direction = types.Direction(direction)
		r.StartedAt = time.UnixMilli(startedAt)
		r.ClearedAt = time.UnixMilli(clearedAt)
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64)
			r.EndedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
