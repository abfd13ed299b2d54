package timer

import (
	"context"
	"database/sql"
	"time"
)

// SQLiteStore is a Store backed by SQLite, typically sharing the engine's
// database so timers survive process restarts.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the pending_timers table in the given DB and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_timers (
			instance_id TEXT NOT NULL,
			task_id INTEGER NOT NULL,
			fire_at INTEGER NOT NULL,
			cancelled INTEGER NOT NULL DEFAULT 0,
			fired INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, task_id)
		);
		CREATE INDEX IF NOT EXISTS idx_pending_timers_fire_at ON pending_timers(fire_at);
	`)
	return err
}

func (s *SQLiteStore) Add(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pending_timers (instance_id, task_id, fire_at, cancelled, fired)
		VALUES (?, ?, ?, 0, 0)`,
		e.InstanceID, e.TaskID, e.FireAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Cancel(ctx context.Context, instanceID string, taskID int32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_timers SET cancelled = 1
		WHERE instance_id = ? AND task_id = ? AND fired = 0`,
		instanceID, taskID,
	)
	return err
}

func (s *SQLiteStore) CancelAll(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_timers SET cancelled = 1
		WHERE instance_id = ? AND fired = 0`,
		instanceID,
	)
	return err
}

func (s *SQLiteStore) Due(ctx context.Context, now time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, task_id, fire_at
		FROM pending_timers
		WHERE cancelled = 0 AND fired = 0 AND fire_at <= ?
		ORDER BY fire_at, task_id`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []Entry
	for rows.Next() {
		var (
			e        Entry
			fireAtNs int64
		)
		if err := rows.Scan(&e.InstanceID, &e.TaskID, &fireAtNs); err != nil {
			return nil, err
		}
		e.FireAt = time.Unix(0, fireAtNs)
		due = append(due, e)
	}
	return due, rows.Err()
}

func (s *SQLiteStore) MarkFired(ctx context.Context, instanceID string, taskID int32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_timers SET fired = 1
		WHERE instance_id = ? AND task_id = ?`,
		instanceID, taskID,
	)
	return err
}
