package records

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/tidehook/tidehook/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testRecord() *Record {
	return &Record{
		Namespace: "notes",
		ID:        "n1",
		Type:      "note",
		Data:      map[string]any{"title": "Hello", "pinned": true},
		Content:   "body text\n",
	}
}

func TestUpsert_CreatesUnsynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, testRecord()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	r, err := s.Get(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.SyncStatus != types.SyncStatusUnsynced {
		t.Fatalf("new record must be unsynced, got %q", r.SyncStatus)
	}
	if r.Data["title"] != "Hello" || r.Data["pinned"] != true {
		t.Fatalf("data round-trip failed: %+v", r.Data)
	}
}

func TestUpsert_SyncedBecomesDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRecord()
	r.Repository, r.Path, r.Branch = "acme/wiki", "notes/n1.md", "main"
	if err := s.Upsert(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSynced(ctx, "notes", "n1", "h0"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	update := testRecord()
	update.Content = "edited\n"
	if err := s.Upsert(ctx, update); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "notes", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != types.SyncStatusDirty {
		t.Fatalf("local mutation of synced record must yield dirty, got %q", got.SyncStatus)
	}
	if got.LastSyncedHash != "h0" {
		t.Fatalf("upsert must preserve last synced hash, got %q", got.LastSyncedHash)
	}
	if got.Repository != "acme/wiki" || got.Path != "notes/n1.md" {
		t.Fatalf("upsert must preserve sync location: %+v", got)
	}
}

func TestMarkSynced_SetsHashAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRecord()
	r.Repository, r.Path, r.Branch = "acme/wiki", "notes/n1.md", "main"
	if err := s.Upsert(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSynced(ctx, "notes", "n1", "h1"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, "notes", "n1")
	if got.SyncStatus != types.SyncStatusSynced || got.LastSyncedHash != "h1" {
		t.Fatalf("unexpected sync state: %+v", got)
	}
	if got.LastSyncedAt == nil {
		t.Fatal("MarkSynced must set last_synced_at")
	}
}

func TestGetByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRecord()
	r.Repository, r.Path, r.Branch = "acme/wiki", "notes/n1.md", "main"
	if err := s.Upsert(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByPath(ctx, "acme/wiki", "notes/n1.md")
	if err != nil {
		t.Fatalf("get by path: %v", err)
	}
	if got.ID != "n1" {
		t.Fatalf("wrong record: %+v", got)
	}

	if _, err := s.GetByPath(ctx, "acme/wiki", "unknown.md"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateFromRemote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRecord()
	r.Repository, r.Path, r.Branch = "acme/wiki", "notes/n1.md", "main"
	if err := s.Upsert(ctx, r); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateFromRemote(ctx, "notes", "n1", "note",
		map[string]any{"title": "Remote"}, "remote body\n", "h2")
	if err != nil {
		t.Fatalf("update from remote: %v", err)
	}

	got, _ := s.Get(ctx, "notes", "n1")
	if got.Data["title"] != "Remote" || got.Content != "remote body\n" {
		t.Fatalf("remote update not applied: %+v", got)
	}
	if got.LastSyncedHash != "h2" || got.SyncStatus != types.SyncStatusSynced {
		t.Fatalf("unexpected sync state: %+v", got)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, testRecord()); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "notes", "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "notes", "n1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "notes", "n1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for double delete, got %v", err)
	}
}
