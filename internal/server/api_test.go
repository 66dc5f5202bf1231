package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidehook/tidehook/internal/dispatch"
	"github.com/tidehook/tidehook/internal/githubapi"
	"github.com/tidehook/tidehook/internal/store"
	"github.com/tidehook/tidehook/pkg/types"
)

func do(env *testEnv, method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func seedStoredEvent(t *testing.T, env *testEnv, eventID string, processed bool) {
	t.Helper()
	evt := &store.Event{
		Provider:  types.ProviderPayments,
		EventID:   eventID,
		EventType: "payment_intent.succeeded",
		Payload:   []byte(`{"id":"` + eventID + `"}`),
		Signature: "t=1,v1=abc",
	}
	if err := env.events.Insert(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	if processed {
		if err := env.events.MarkProcessed(context.Background(), evt.Provider, eventID); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAPI_ListEvents(t *testing.T) {
	env := newTestEnv(t)
	seedStoredEvent(t, env, "evt_1", true)
	seedStoredEvent(t, env, "evt_2", false)

	rec := do(env, http.MethodGet, "/api/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decodeBody(t, rec)
	if out["count"] != float64(2) {
		t.Fatalf("expected 2 events, got %v", out["count"])
	}

	rec = do(env, http.MethodGet, "/api/events?processed=false", "")
	if out := decodeBody(t, rec); out["count"] != float64(1) {
		t.Fatalf("filter by processed failed: %v", out)
	}

	rec = do(env, http.MethodGet, "/api/events?provider=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider must 400, got %d", rec.Code)
	}
}

func TestAPI_GetEvent(t *testing.T) {
	env := newTestEnv(t)
	seedStoredEvent(t, env, "evt_1", true)

	rec := do(env, http.MethodGet, "/api/events/payments/evt_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decodeBody(t, rec)
	if out["event_id"] != "evt_1" || out["processed"] != true {
		t.Fatalf("unexpected event: %v", out)
	}

	if rec := do(env, http.MethodGet, "/api/events/payments/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing event must 404, got %d", rec.Code)
	}
}

func TestAPI_RetryEvent(t *testing.T) {
	env := newTestEnv(t)
	var calls int
	_ = env.registry.Register(types.ProviderPayments, "**", func(context.Context, *dispatch.Event) error {
		calls++
		return nil
	})
	seedStoredEvent(t, env, "evt_1", false)

	rec := do(env, http.MethodPost, "/api/events/payments/evt_1/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("retry must re-dispatch, got %d calls", calls)
	}

	evt, _ := env.events.Get(context.Background(), types.ProviderPayments, "evt_1")
	if !evt.Processed {
		t.Fatal("successful retry must mark the event processed")
	}
}

func TestAPI_RecordLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := do(env, http.MethodPut, "/api/records/notes/n1",
		`{"type":"note","data":{"title":"Hello"},"content":"body\n"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if out := decodeBody(t, rec); out["sync_status"] != string(types.SyncStatusUnsynced) {
		t.Fatalf("new record must be unsynced: %v", out)
	}

	rec = do(env, http.MethodGet, "/api/records/notes/n1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = do(env, http.MethodDelete, "/api/records/notes/n1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if rec := do(env, http.MethodGet, "/api/records/notes/n1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted record must 404, got %d", rec.Code)
	}
}

func TestAPI_PutRecordValidation(t *testing.T) {
	env := newTestEnv(t)

	if rec := do(env, http.MethodPut, "/api/records/notes/n1", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body must 400, got %d", rec.Code)
	}
	if rec := do(env, http.MethodPut, "/api/records/notes/n1", `{"data":{}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type must 400, got %d", rec.Code)
	}
}

func TestAPI_SyncRecord(t *testing.T) {
	env := newTestEnv(t)

	// No sync location.
	do(env, http.MethodPut, "/api/records/notes/n1", `{"type":"note","data":{"title":"Hi"}}`)
	if rec := do(env, http.MethodPost, "/api/records/notes/n1/sync", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsyncable record must 400, got %d", rec.Code)
	}

	// Bound to a repository file.
	do(env, http.MethodPut, "/api/records/notes/n2",
		`{"type":"note","data":{"title":"Hi"},"content":"b\n","repository":"acme/wiki","path":"notes/n2.md","branch":"main"}`)
	rec := do(env, http.MethodPost, "/api/records/notes/n2/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	hash, _ := out["hash"].(string)
	if hash == "" {
		t.Fatalf("sync response must include the new hash: %v", out)
	}

	stored := env.client.files["acme/wiki!notes/n2.md"]
	if stored == nil || !strings.Contains(string(stored.Content), "title: Hi") {
		t.Fatalf("remote file not written: %+v", stored)
	}

	if rec := do(env, http.MethodPost, "/api/records/missing/x/sync", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing record must 404, got %d", rec.Code)
	}
}

func TestAPI_SyncConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	do(env, http.MethodPut, "/api/records/notes/n1",
		`{"type":"note","data":{"title":"Local"},"content":"b\n","repository":"acme/wiki","path":"notes/n1.md","branch":"main"}`)

	// Someone else wrote the file first; our record has no hash parent.
	env.client.mu.Lock()
	env.client.files["acme/wiki!notes/n1.md"] = fileWith("intruder content\n")
	env.client.mu.Unlock()

	rec := do(env, http.MethodPost, "/api/records/notes/n1/sync", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(env, http.MethodGet, "/api/conflicts?status=pending", "")
	out := decodeBody(t, rec)
	if out["count"] != float64(1) {
		t.Fatalf("expected one pending conflict, got %v", out)
	}

	r, _ := env.records.Get(ctx, "notes", "n1")
	if r.SyncStatus != types.SyncStatusConflict {
		t.Fatalf("record must be conflicted, got %q", r.SyncStatus)
	}
}

func TestAPI_ResolveValidation(t *testing.T) {
	env := newTestEnv(t)

	if rec := do(env, http.MethodPost, "/api/conflicts/c1/resolve", `{"strategy":"yolo"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown strategy must 400, got %d", rec.Code)
	}
	if rec := do(env, http.MethodPost, "/api/conflicts/c1/resolve", `{"strategy":"ours"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("missing conflict must 404, got %d", rec.Code)
	}
}

func fileWith(content string) *githubapi.File {
	return &githubapi.File{Content: []byte(content), Hash: githubapi.BlobHash([]byte(content))}
}
