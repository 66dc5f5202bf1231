package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tidehook/tidehook/internal/dispatch"
	"github.com/tidehook/tidehook/internal/records"
	"github.com/tidehook/tidehook/internal/store"
	"github.com/tidehook/tidehook/internal/syncengine"
	"github.com/tidehook/tidehook/pkg/types"
)

type eventResponse struct {
	Provider    types.Provider  `json:"provider"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toEventResponse(e *store.Event) eventResponse {
	return eventResponse{
		Provider:    e.Provider,
		EventID:     e.EventID,
		EventType:   e.EventType,
		Payload:     json.RawMessage(e.Payload),
		Processed:   e.Processed,
		ProcessedAt: e.ProcessedAt,
		Error:       e.Error,
		CreatedAt:   e.CreatedAt,
	}
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{Provider: types.Provider(q.Get("provider"))}
	if filter.Provider != "" && !filter.Provider.Valid() {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}
	if v := q.Get("processed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "processed must be a boolean")
			return
		}
		filter.Processed = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = n
	}

	events, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.log.Error(err, "listing events")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}

func (s *Server) eventFromPath(w http.ResponseWriter, r *http.Request) (*store.Event, bool) {
	provider := types.Provider(r.PathValue("provider"))
	if !provider.Valid() {
		writeError(w, http.StatusNotFound, "unknown provider")
		return nil, false
	}
	evt, err := s.events.Get(r.Context(), provider, r.PathValue("eventId"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return nil, false
	}
	if err != nil {
		s.log.Error(err, "loading event")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return nil, false
	}
	return evt, true
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	evt, ok := s.eventFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(evt))
}

// handleRetryEvent force-redispatches one event regardless of retry
// ceiling; the operator asked for it explicitly.
func (s *Server) handleRetryEvent(w http.ResponseWriter, r *http.Request) {
	evt, ok := s.eventFromPath(w, r)
	if !ok {
		return
	}

	err := s.dispatcher.Dispatch(r.Context(), &dispatch.Event{
		Provider:  evt.Provider,
		EventID:   evt.EventID,
		EventType: evt.EventType,
		Payload:   evt.Payload,
		Attempt:   1,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "handler_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event_id": evt.EventID})
}

type recordRequest struct {
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Content    string         `json:"content"`
	Repository string         `json:"repository"`
	Path       string         `json:"path"`
	Branch     string         `json:"branch"`
}

type recordResponse struct {
	Namespace      string         `json:"namespace"`
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data"`
	Content        string         `json:"content"`
	Repository     string         `json:"repository,omitempty"`
	Path           string         `json:"path,omitempty"`
	Branch         string         `json:"branch,omitempty"`
	LastSyncedHash string         `json:"last_synced_hash,omitempty"`
	LastSyncedAt   *time.Time     `json:"last_synced_at,omitempty"`
	SyncStatus     string         `json:"sync_status"`
}

func toRecordResponse(r *records.Record) recordResponse {
	return recordResponse{
		Namespace:      r.Namespace,
		ID:             r.ID,
		Type:           r.Type,
		Data:           r.Data,
		Content:        r.Content,
		Repository:     r.Repository,
		Path:           r.Path,
		Branch:         r.Branch,
		LastSyncedHash: r.LastSyncedHash,
		LastSyncedAt:   r.LastSyncedAt,
		SyncStatus:     r.SyncStatus,
	}
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(limitBody(r)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	rec := &records.Record{
		Namespace:  r.PathValue("namespace"),
		ID:         r.PathValue("id"),
		Type:       req.Type,
		Data:       req.Data,
		Content:    req.Content,
		Repository: req.Repository,
		Path:       req.Path,
		Branch:     req.Branch,
	}
	if err := s.records.Upsert(r.Context(), rec); err != nil {
		s.log.Error(err, "upserting record", "record", rec.Namespace+"/"+rec.ID)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	stored, err := s.records.Get(r.Context(), rec.Namespace, rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(stored))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), r.PathValue("namespace"), r.PathValue("id"))
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	err := s.records.Delete(r.Context(), r.PathValue("namespace"), r.PathValue("id"))
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncRecord(w http.ResponseWriter, r *http.Request) {
	namespace, id := r.PathValue("namespace"), r.PathValue("id")
	err := s.engine.Push(r.Context(), namespace, id)
	switch {
	case err == nil:
		rec, getErr := s.records.Get(r.Context(), namespace, id)
		if getErr != nil {
			writeError(w, http.StatusInternalServerError, "storage unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"hash":    rec.LastSyncedHash,
		})
	case errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, syncengine.ErrNotSyncable):
		writeError(w, http.StatusBadRequest, "record has no sync location")
	case errors.Is(err, syncengine.ErrConflict):
		writeError(w, http.StatusConflict, "sync_conflict")
	default:
		s.log.Error(err, "pushing record", "record", namespace+"/"+id)
		writeError(w, http.StatusInternalServerError, "sync_external_unavailable")
	}
}

type conflictResponse struct {
	ID            string     `json:"id"`
	Namespace     string     `json:"namespace"`
	RecordID      string     `json:"record_id"`
	Repository    string     `json:"repository"`
	Path          string     `json:"path"`
	Branch        string     `json:"branch"`
	ExpectedHash  string     `json:"expected_hash"`
	ObservedHash  string     `json:"observed_hash"`
	LocalContent  string     `json:"local_content"`
	RemoteContent string     `json:"remote_content"`
	CreatedAt     time.Time  `json:"created_at"`
	Status        string     `json:"status"`
	Strategy      string     `json:"strategy,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func toConflictResponse(c *store.Conflict) conflictResponse {
	return conflictResponse{
		ID:            c.ID,
		Namespace:     c.Namespace,
		RecordID:      c.RecordID,
		Repository:    c.Repository,
		Path:          c.Path,
		Branch:        c.Branch,
		ExpectedHash:  c.ExpectedHash,
		ObservedHash:  c.ObservedHash,
		LocalContent:  c.LocalContent,
		RemoteContent: c.RemoteContent,
		CreatedAt:     c.CreatedAt,
		Status:        c.Status,
		Strategy:      c.Strategy,
		ResolvedAt:    c.ResolvedAt,
		Error:         c.Error,
	}
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	conflicts, err := s.conflicts.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.log.Error(err, "listing conflicts")
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	out := make([]conflictResponse, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, toConflictResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": out, "count": len(out)})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(limitBody(r)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	switch req.Strategy {
	case types.StrategyOurs, types.StrategyTheirs, types.StrategyMerge, types.StrategyManual:
	default:
		writeError(w, http.StatusBadRequest, "unknown strategy")
		return
	}

	err := s.engine.Resolve(r.Context(), r.PathValue("id"), req.Strategy)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "strategy": req.Strategy})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conflict not found")
	case errors.Is(err, syncengine.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented")
	default:
		s.log.Error(err, "resolving conflict", "conflict", r.PathValue("id"))
		writeError(w, http.StatusInternalServerError, "conflict_resolve_failed")
	}
}
