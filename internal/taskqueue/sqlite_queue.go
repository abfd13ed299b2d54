package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent task queue implementation backed by SQLite.
// It is safe for concurrent use for our purposes, using simple FIFO semantics
// based on an auto-incrementing id.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the activity_tasks table in the given DB and
// returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS activity_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_uid TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			activity TEXT NOT NULL,
			task_id INTEGER NOT NULL,
			input BLOB,
			enqueued_at INTEGER NOT NULL
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	enqueuedAt := t.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO activity_tasks (task_uid, instance_id, activity, task_id, input, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.InstanceID,
		t.Activity,
		t.TaskID,
		[]byte(t.Input),
		enqueuedAt.UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id          int64
			taskUID     string
			instanceID  string
			activity    string
			taskID      int32
			input       []byte
			enqueuedInt int64
		)

		row := tx.QueryRowContext(ctx, `
			SELECT id, task_uid, instance_id, activity, task_id, input, enqueued_at
			FROM activity_tasks
			ORDER BY id
			LIMIT 1`)
		err = row.Scan(&id, &taskUID, &instanceID, &activity, &taskID, &input, &enqueuedInt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				_ = tx.Rollback()
				// Nothing available: sleep a bit and retry.
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			_ = tx.Rollback()
			return nil, err
		}

		// Delete the row we just claimed.
		if _, err := tx.ExecContext(ctx, `DELETE FROM activity_tasks WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}

		return &Task{
			ID:         taskUID,
			InstanceID: instanceID,
			Activity:   activity,
			TaskID:     taskID,
			Input:      input,
			EnqueuedAt: time.Unix(0, enqueuedInt),
		}, nil
	}
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM activity_tasks`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
