package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

// Ensure SQLiteInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			orchestration TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);`,
	)
	return err
}

func (s *SQLiteInstanceStore) SaveInstance(inst *api.InstanceInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO instances (id, orchestration, version, status, input, output, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.Orchestration,
		inst.Version,
		string(inst.Status),
		[]byte(inst.Input),
		[]byte(inst.Output),
		inst.Error,
		inst.CreatedTime.UnixNano(),
		inst.LastUpdatedTime.UnixNano(),
	)
	return err
}

func (s *SQLiteInstanceStore) UpdateInstance(inst *api.InstanceInfo) error {
	res, err := s.db.Exec(`
		UPDATE instances
		SET orchestration = ?, version = ?, status = ?, input = ?, output = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		inst.Orchestration,
		inst.Version,
		string(inst.Status),
		[]byte(inst.Input),
		[]byte(inst.Output),
		inst.Error,
		inst.LastUpdatedTime.UnixNano(),
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrInstanceNotFound
	}

	return nil
}

func (s *SQLiteInstanceStore) GetInstance(id string) (*api.InstanceInfo, error) {
	row := s.db.QueryRow(`
		SELECT id, orchestration, version, status, input, output, error, created_at, updated_at
		FROM instances
		WHERE id = ?`,
		id,
	)

	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteInstanceStore) ListInstances(filter InstanceFilter) ([]*api.InstanceInfo, error) {
	query := `
		SELECT id, orchestration, version, status, input, output, error, created_at, updated_at
		FROM instances`
	var args []any
	var clauses []string

	if filter.Orchestration != "" {
		clauses = append(clauses, "orchestration = ?")
		args = append(args, filter.Orchestration)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.InstanceInfo

	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func scanInstance(scan func(dest ...any) error) (*api.InstanceInfo, error) {
	var (
		inst      api.InstanceInfo
		statusStr string
		input     []byte
		output    []byte
		createdNs int64
		updatedNs int64
	)

	if err := scan(&inst.ID, &inst.Orchestration, &inst.Version, &statusStr, &input, &output, &inst.Error, &createdNs, &updatedNs); err != nil {
		return nil, err
	}

	inst.Status = api.Status(statusStr)
	inst.Input = input
	inst.Output = output
	inst.CreatedTime = time.Unix(0, createdNs)
	inst.LastUpdatedTime = time.Unix(0, updatedNs)
	return &inst, nil
}

func (s *SQLiteInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).UnixNano()

	// Re-entrant for the same owner; otherwise only an expired lease can
	// be taken over.
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at < ?)`,
		owner, expires, instanceID, owner, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	// Distinguish "leased by someone else" from "no such instance".
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = ?`, instanceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, api.ErrInstanceNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	expires := time.Now().Add(ttl).UnixNano()

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		expires, instanceID, owner,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`,
		instanceID, owner,
	)
	return err
}
