package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidehook/tidehook/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store reads and writes records through the record-store SQL contract.
// The store honors a unique constraint on (namespace, id).
type Store struct {
	db Querier
}

// NewStore wraps a Querier. Call Migrate when this process owns the schema
// (development and tests); in production the external store does.
func NewStore(db Querier) *Store {
	return &Store{db: db}
}

// Migrate creates the records table.
func (s *Store) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		content TEXT NOT NULL DEFAULT '',
		repository TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		last_synced_hash TEXT,
		last_synced_at TEXT,
		sync_status TEXT NOT NULL DEFAULT 'unsynced',
		PRIMARY KEY (namespace, id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_location ON records (repository, path);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Get fetches a record by its composite key.
func (s *Store) Get(ctx context.Context, namespace, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE namespace = ? AND id = ?`, namespace, id)
	return scanRecord(row)
}

// GetByPath locates the record owning a repository file, if any.
func (s *Store) GetByPath(ctx context.Context, repository, path string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE repository = ? AND path = ?`, repository, path)
	return scanRecord(row)
}

// Upsert creates or updates a record from an external command. An update
// to a synced record's content marks it dirty; sync bookkeeping fields
// are preserved across updates.
func (s *Store) Upsert(ctx context.Context, r *Record) error {
	existing, err := s.Get(ctx, r.Namespace, r.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if existing != nil {
		// Keep sync location and bookkeeping unless the caller rebinds them.
		if r.Repository == "" {
			r.Repository, r.Path, r.Branch = existing.Repository, existing.Path, existing.Branch
		}
		r.LastSyncedHash = existing.LastSyncedHash
		r.LastSyncedAt = existing.LastSyncedAt
		switch existing.SyncStatus {
		case types.SyncStatusSynced:
			r.SyncStatus = types.SyncStatusDirty
		case "":
			r.SyncStatus = types.SyncStatusUnsynced
		default:
			r.SyncStatus = existing.SyncStatus
		}
	} else if r.SyncStatus == "" {
		r.SyncStatus = types.SyncStatusUnsynced
	}

	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("encoding record data %s/%s: %w", r.Namespace, r.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (namespace, id, type, data, content, repository, path, branch, last_synced_hash, last_synced_at, sync_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, id) DO UPDATE SET
			type = excluded.type, data = excluded.data, content = excluded.content,
			repository = excluded.repository, path = excluded.path, branch = excluded.branch,
			last_synced_hash = excluded.last_synced_hash, last_synced_at = excluded.last_synced_at,
			sync_status = excluded.sync_status`,
		r.Namespace, r.ID, r.Type, string(dataJSON), r.Content,
		r.Repository, r.Path, r.Branch,
		nullable(r.LastSyncedHash), nullableTime(r.LastSyncedAt), r.SyncStatus)
	if err != nil {
		return fmt.Errorf("upserting record %s/%s: %w", r.Namespace, r.ID, err)
	}
	return nil
}

// Delete removes a record. Explicit external command only.
func (s *Store) Delete(ctx context.Context, namespace, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE namespace = ? AND id = ?`, namespace, id)
	if err != nil {
		return fmt.Errorf("deleting record %s/%s: %w", namespace, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s/%s: %w", namespace, id, ErrNotFound)
	}
	return nil
}

// MarkSynced records a successful sync: the external hash observed and
// the synced status.
func (s *Store) MarkSynced(ctx context.Context, namespace, id, hash string) error {
	return s.setSyncState(ctx, namespace, id, types.SyncStatusSynced, hash)
}

// MarkConflict flags the record as diverged. The last synced hash is left
// untouched for conflict reconstruction.
func (s *Store) MarkConflict(ctx context.Context, namespace, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_status = ? WHERE namespace = ? AND id = ?`,
		types.SyncStatusConflict, namespace, id)
	if err != nil {
		return fmt.Errorf("marking record %s/%s conflicted: %w", namespace, id, err)
	}
	return requireRecordRow(res, namespace, id)
}

// UpdateFromRemote overwrites a record's content from its external file
// and records the new sync state.
func (s *Store) UpdateFromRemote(ctx context.Context, namespace, id, recordType string, data map[string]any, content, hash string) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding record data %s/%s: %w", namespace, id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET type = ?, data = ?, content = ?, last_synced_hash = ?, last_synced_at = ?, sync_status = ?
		 WHERE namespace = ? AND id = ?`,
		recordType, string(dataJSON), content, hash, formatTime(time.Now()), types.SyncStatusSynced,
		namespace, id)
	if err != nil {
		return fmt.Errorf("updating record %s/%s from remote: %w", namespace, id, err)
	}
	return requireRecordRow(res, namespace, id)
}

func (s *Store) setSyncState(ctx context.Context, namespace, id, status, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_status = ?, last_synced_hash = ?, last_synced_at = ? WHERE namespace = ? AND id = ?`,
		status, hash, formatTime(time.Now()), namespace, id)
	if err != nil {
		return fmt.Errorf("updating sync state of %s/%s: %w", namespace, id, err)
	}
	return requireRecordRow(res, namespace, id)
}

const selectRecord = `SELECT namespace, id, type, data, content, repository, path, branch, last_synced_hash, last_synced_at, sync_status FROM records`

func scanRecord(row *sql.Row) (*Record, error) {
	var (
		r        Record
		dataJSON string
		hash     sql.NullString
		syncedAt sql.NullString
	)
	err := row.Scan(&r.Namespace, &r.ID, &r.Type, &dataJSON, &r.Content,
		&r.Repository, &r.Path, &r.Branch, &hash, &syncedAt, &r.SyncStatus)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &r.Data); err != nil {
			return nil, fmt.Errorf("corrupt data JSON for %s/%s: %w", r.Namespace, r.ID, err)
		}
	}
	r.LastSyncedHash = hash.String
	if syncedAt.Valid {
		t := parseTime(syncedAt.String)
		r.LastSyncedAt = &t
	}
	return &r, nil
}

func requireRecordRow(res sql.Result, namespace, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s/%s: %w", namespace, id, ErrNotFound)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
