package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

// SQLiteHistoryStore stores history events in SQLite.
//
// Sequence numbers are assigned inside a transaction on append, so the
// per-instance order is total and gap-free even with concurrent writers.
type SQLiteHistoryStore struct {
	db *sql.DB
}

// Ensure SQLiteHistoryStore implements HistoryStore.
var _ HistoryStore = (*SQLiteHistoryStore)(nil)

func NewSQLiteHistoryStore(db *sql.DB) (*SQLiteHistoryStore, error) {
	s := &SQLiteHistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteHistoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			at INTEGER NOT NULL,
			task_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			payload BLOB,
			error TEXT NOT NULL DEFAULT '',
			fire_at INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (instance_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_history_events_instance ON history_events(instance_id, seq);
	`)
	return err
}

func (s *SQLiteHistoryStore) AppendEvent(ctx context.Context, instanceID string, ev api.HistoryEvent) (int64, error) {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	var fireAt int64
	if !ev.FireAt.IsZero() {
		fireAt = ev.FireAt.UnixNano()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM history_events WHERE instance_id = ?`,
		instanceID,
	).Scan(&seq); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history_events (instance_id, seq, kind, at, task_id, name, version, payload, error, fire_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID,
		seq,
		string(ev.Kind),
		at.UnixNano(),
		ev.TaskID,
		ev.Name,
		ev.Version,
		[]byte(ev.Payload),
		ev.Error,
		fireAt,
		string(ev.Status),
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLiteHistoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, at, task_id, name, version, payload, error, fire_at, status
		FROM history_events
		WHERE instance_id = ?
		ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev        api.HistoryEvent
			kind      string
			atNs      int64
			payload   []byte
			fireAtNs  int64
			statusStr string
		)
		if err := rows.Scan(&ev.Seq, &kind, &atNs, &ev.TaskID, &ev.Name, &ev.Version, &payload, &ev.Error, &fireAtNs, &statusStr); err != nil {
			return nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.Timestamp = time.Unix(0, atNs)
		ev.Payload = payload
		if fireAtNs != 0 {
			ev.FireAt = time.Unix(0, fireAtNs)
		}
		ev.Status = api.Status(statusStr)
		out = append(out, ev)
	}
	return out, rows.Err()
}
