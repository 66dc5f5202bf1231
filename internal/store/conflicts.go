package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidehook/tidehook/pkg/types"
)

// Conflict is one unresolved divergence between a record and its external
// file, captured with both sides' content at detection time.
type Conflict struct {
	ID            string
	Namespace     string
	RecordID      string
	Repository    string
	Path          string
	Branch        string
	ExpectedHash  string
	ObservedHash  string
	LocalContent  string
	RemoteContent string
	CreatedAt     time.Time
	Status        string
	Strategy      string
	ResolvedAt    *time.Time
	Error         string
}

// ConflictStore persists sync conflicts. Rows are never deleted; resolution
// transitions status and records the strategy.
type ConflictStore struct {
	db *sql.DB
}

// NewConflictStore creates the store and runs its migration.
func NewConflictStore(db *sql.DB) (*ConflictStore, error) {
	s := &ConflictStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ConflictStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		record_id TEXT NOT NULL,
		repository TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		expected_hash TEXT NOT NULL,
		observed_hash TEXT NOT NULL,
		local_content TEXT NOT NULL,
		remote_content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		strategy TEXT,
		resolved_at TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_conflicts_record ON sync_conflicts (namespace, record_id, status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create persists a new pending conflict, assigning id and created_at.
func (s *ConflictStore) Create(ctx context.Context, c *Conflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = types.ConflictStatusPending

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_conflicts (id, namespace, record_id, repository, path, branch,
			expected_hash, observed_hash, local_content, remote_content, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Namespace, c.RecordID, c.Repository, c.Path, c.Branch,
		c.ExpectedHash, c.ObservedHash, c.LocalContent, c.RemoteContent,
		formatTime(c.CreatedAt), c.Status)
	if err != nil {
		return fmt.Errorf("creating conflict for %s/%s: %w", c.Namespace, c.RecordID, err)
	}
	return nil
}

// Get fetches a conflict by id.
func (s *ConflictStore) Get(ctx context.Context, id string) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx, selectConflict+` WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c, err
}

// List returns conflicts newest-first, optionally filtered by status.
func (s *ConflictStore) List(ctx context.Context, status string, limit int) ([]*Conflict, error) {
	query := selectConflict
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// PendingForRecord returns the pending conflicts that reference a record.
func (s *ConflictStore) PendingForRecord(ctx context.Context, namespace, recordID string) ([]*Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		selectConflict+` WHERE namespace = ? AND record_id = ? AND status = ? ORDER BY created_at DESC`,
		namespace, recordID, types.ConflictStatusPending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// MarkResolved records a successful resolution.
func (s *ConflictStore) MarkResolved(ctx context.Context, id, strategy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_conflicts SET status = ?, strategy = ?, resolved_at = ?, error = NULL WHERE id = ?`,
		types.ConflictStatusResolved, strategy, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking conflict %s resolved: %w", id, err)
	}
	return requireConflictRow(res, id)
}

// MarkFailed records a failed resolution attempt. The conflict stays actionable.
func (s *ConflictStore) MarkFailed(ctx context.Context, id, strategy, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_conflicts SET status = ?, strategy = ?, error = ? WHERE id = ?`,
		types.ConflictStatusFailed, strategy, errMsg, id)
	if err != nil {
		return fmt.Errorf("marking conflict %s failed: %w", id, err)
	}
	return requireConflictRow(res, id)
}

const selectConflict = `SELECT id, namespace, record_id, repository, path, branch,
	expected_hash, observed_hash, local_content, remote_content, created_at,
	status, strategy, resolved_at, error FROM sync_conflicts`

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		c          Conflict
		createdAt  string
		strategy   sql.NullString
		resolvedAt sql.NullString
		errMsg     sql.NullString
	)
	err := row.Scan(&c.ID, &c.Namespace, &c.RecordID, &c.Repository, &c.Path, &c.Branch,
		&c.ExpectedHash, &c.ObservedHash, &c.LocalContent, &c.RemoteContent, &createdAt,
		&c.Status, &strategy, &resolvedAt, &errMsg)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.Strategy = strategy.String
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		c.ResolvedAt = &t
	}
	c.Error = errMsg.String
	return &c, nil
}

func requireConflictRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}
