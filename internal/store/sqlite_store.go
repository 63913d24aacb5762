package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"offsync/internal/action"
	"offsync/internal/log"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore mirrors the in-memory action queue to a local database so the
// queue survives restarts. It holds no business rules: the queue manager
// owns the data, the store only persists it. All write failures are logged
// and swallowed — the in-memory queue stays authoritative for the session.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	type          TEXT NOT NULL,
	payload       BLOB NOT NULL,
	status        TEXT NOT NULL,
	timestamp     INTEGER NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_actions_user ON actions(user_id, timestamp);
`

// NewSQLiteStore opens (or creates) the queue database under dataDir.
// A corrupted database file is discarded and recreated rather than
// failing startup: losing the queue is preferable to a crash loop.
func NewSQLiteStore(dataDir string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "queue.db")

	db, err := open(path)
	if err != nil {
		logger.Error("Queue database unusable, recreating", zap.Error(err), zap.String("path", path))
		_ = os.Remove(path)
		db, err = open(path)
		if err != nil {
			return nil, fmt.Errorf("open queue db: %w", err)
		}
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL mode keeps the synchronous per-mutation writes cheap
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the persisted queue for one user in enqueue order. Any
// action left in "syncing" by an interrupted run is reverted to "pending"
// before being handed back. Unreadable rows are skipped, never fatal.
func (s *SQLiteStore) Load(ctx context.Context, userID string) []action.Action {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = ? WHERE user_id = ? AND status = ?
	`, action.StatusPending, userID, action.StatusSyncing); err != nil {
		s.logger.Error("Failed to normalize interrupted actions", zap.Error(err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, payload, status, timestamp, retry_count, max_retries, next_retry_at, error
		FROM actions
		WHERE user_id = ?
		ORDER BY timestamp, id
	`, userID)
	if err != nil {
		s.logger.Error("Failed to load queue, starting empty", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var actions []action.Action
	for rows.Next() {
		var a action.Action
		var ts, nextRetry int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.Type, &a.Payload, &a.Status,
			&ts, &a.RetryCount, &a.MaxRetries, &nextRetry, &a.Error); err != nil {
			s.logger.Error("Failed to scan action, skipping row", zap.Error(err))
			continue
		}
		a.Timestamp = time.UnixMilli(ts)
		if nextRetry > 0 {
			a.NextRetryAt = time.UnixMilli(nextRetry)
		}
		if !a.Valid() {
			s.logger.Warn("Dropping corrupt persisted action", zap.String("id", a.ID))
			continue
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("Failed while reading queue rows", zap.Error(err))
	}
	return actions
}

// SaveAction inserts or replaces one action.
func (s *SQLiteStore) SaveAction(ctx context.Context, a action.Action) error {
	var nextRetry int64
	if !a.NextRetryAt.IsZero() {
		nextRetry = a.NextRetryAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, user_id, type, payload, status, timestamp, retry_count, max_retries, next_retry_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at,
			error = excluded.error
	`, a.ID, a.UserID, a.Type, []byte(a.Payload), a.Status, a.Timestamp.UnixMilli(),
		a.RetryCount, a.MaxRetries, nextRetry, a.Error)
	if err != nil {
		return fmt.Errorf("save action: %w", err)
	}
	return nil
}

// DeleteAction removes one action by id.
func (s *SQLiteStore) DeleteAction(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	return nil
}

// DeleteAll removes every action belonging to one user.
func (s *SQLiteStore) DeleteAll(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}
