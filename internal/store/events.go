package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidehook/tidehook/pkg/types"
)

// Event is one received webhook callback. Payload and Signature are
// immutable after insert; only the processed/error fields transition.
type Event struct {
	ID          string
	Provider    types.Provider
	EventID     string
	EventType   string
	Payload     []byte
	Signature   string
	Processed   bool
	ProcessedAt *time.Time
	Error       string
	CreatedAt   time.Time
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Provider  types.Provider
	Processed *bool
	Limit     int
}

// EventStore persists webhook events keyed by (provider, event_id).
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates the store and runs its migration.
func NewEventStore(db *sql.DB) (*EventStore, error) {
	s := &EventStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EventStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		signature TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		processed_at TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (provider, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_created ON webhook_events (created_at DESC);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Exists reports whether an event with the idempotency key is already stored.
func (s *EventStore) Exists(ctx context.Context, provider types.Provider, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM webhook_events WHERE provider = ? AND event_id = ?`,
		string(provider), eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Insert persists an event in unprocessed state. The id and created_at
// fields are assigned here when unset. Returns ErrDuplicate when the
// (provider, event_id) pair already exists — the database unique
// constraint makes Insert atomic with respect to concurrent ingress.
func (s *EventStore) Insert(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, provider, event_id, event_type, payload, signature, processed, processed_at, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?)`,
		e.ID, string(e.Provider), e.EventID, e.EventType, string(e.Payload), e.Signature, formatTime(e.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("event %s/%s: %w", e.Provider, e.EventID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting event %s/%s: %w", e.Provider, e.EventID, err)
	}
	return nil
}

// MarkProcessed transitions an event to processed, clearing any prior
// error. Idempotent: re-applying keeps the original processed_at.
func (s *EventStore) MarkProcessed(ctx context.Context, provider types.Provider, eventID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET processed = 1, processed_at = COALESCE(processed_at, ?), error = NULL
		 WHERE provider = ? AND event_id = ?`,
		formatTime(time.Now()), string(provider), eventID)
	if err != nil {
		return fmt.Errorf("marking %s/%s processed: %w", provider, eventID, err)
	}
	return requireRow(res, provider, eventID)
}

// MarkFailed stores the last handler error without touching the processed flag.
func (s *EventStore) MarkFailed(ctx context.Context, provider types.Provider, eventID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET error = ? WHERE provider = ? AND event_id = ?`,
		errMsg, string(provider), eventID)
	if err != nil {
		return fmt.Errorf("marking %s/%s failed: %w", provider, eventID, err)
	}
	return requireRow(res, provider, eventID)
}

// Get fetches a single event by idempotency key.
func (s *EventStore) Get(ctx context.Context, provider types.Provider, eventID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, event_id, event_type, payload, signature, processed, processed_at, error, created_at
		 FROM webhook_events WHERE provider = ? AND event_id = ?`,
		string(provider), eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s/%s: %w", provider, eventID, ErrNotFound)
	}
	return e, err
}

// List returns events newest-first, optionally filtered.
func (s *EventStore) List(ctx context.Context, f ListFilter) ([]*Event, error) {
	query := `SELECT id, provider, event_id, event_type, payload, signature, processed, processed_at, error, created_at
	          FROM webhook_events WHERE 1=1`
	var args []any
	if f.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(f.Provider))
	}
	if f.Processed != nil {
		query += ` AND processed = ?`
		args = append(args, boolToInt(*f.Processed))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e           Event
		provider    string
		payload     string
		processed   int
		processedAt sql.NullString
		errMsg      sql.NullString
		createdAt   string
	)
	err := row.Scan(&e.ID, &provider, &e.EventID, &e.EventType, &payload, &e.Signature,
		&processed, &processedAt, &errMsg, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Provider = types.Provider(provider)
	e.Payload = []byte(payload)
	e.Processed = processed != 0
	if processedAt.Valid {
		t := parseTime(processedAt.String)
		e.ProcessedAt = &t
	}
	e.Error = errMsg.String
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func requireRow(res sql.Result, provider types.Provider, eventID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s/%s: %w", provider, eventID, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
