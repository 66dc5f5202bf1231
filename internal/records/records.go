// Package records models the structured items synchronized with
// source-control repositories and the SQL contract of the record store
// that owns them.
package records

import (
	"context"
	"database/sql"
	"time"
)

// Record is one structured item, optionally bound to a file in an
// external repository. Data values are JSON-shaped: string, float64,
// bool, nil, []any, or map[string]any.
type Record struct {
	Namespace string
	ID        string
	Type      string
	Data      map[string]any
	Content   string

	// Sync location. All empty means the record is unsynced.
	Repository string
	Path       string
	Branch     string

	LastSyncedHash string
	LastSyncedAt   *time.Time
	SyncStatus     string
}

// Synced reports whether the record is bound to an external file.
func (r *Record) Synced() bool {
	return r.Repository != "" && r.Path != "" && r.Branch != ""
}

// Querier is the contract the record store exposes: parameterized SQL.
// *sql.DB and *sql.Tx both satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
