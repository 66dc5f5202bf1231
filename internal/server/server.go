// Package server is the HTTP surface: per-provider ingress endpoints
// and the management API over events, records, and conflicts.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/tidehook/tidehook/internal/config"
	"github.com/tidehook/tidehook/internal/dispatch"
	"github.com/tidehook/tidehook/internal/records"
	"github.com/tidehook/tidehook/internal/store"
	"github.com/tidehook/tidehook/internal/syncengine"
	"github.com/tidehook/tidehook/internal/verify"
	"github.com/tidehook/tidehook/pkg/types"
)

const maxPayloadBytes = 1 << 20 // 1 MiB

// Server wires the ingress router and management API over the engines.
type Server struct {
	cfg        *config.Config
	verifier   *verify.Verifier
	events     *store.EventStore
	conflicts  *store.ConflictStore
	records    *records.Store
	dispatcher *dispatch.Dispatcher
	engine     *syncengine.Engine
	log        logr.Logger

	draining atomic.Bool
}

func New(
	cfg *config.Config,
	verifier *verify.Verifier,
	events *store.EventStore,
	conflicts *store.ConflictStore,
	recordStore *records.Store,
	dispatcher *dispatch.Dispatcher,
	engine *syncengine.Engine,
	log logr.Logger,
) *Server {
	return &Server{
		cfg:        cfg,
		verifier:   verifier,
		events:     events,
		conflicts:  conflicts,
		records:    recordStore,
		dispatcher: dispatcher,
		engine:     engine,
		log:        log,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /stripe", s.ingress(types.ProviderPayments))
	mux.HandleFunc("POST /workos", s.ingress(types.ProviderIdentity))
	mux.HandleFunc("POST /github", s.ingress(types.ProviderSourceControl))
	mux.HandleFunc("POST /resend", s.ingress(types.ProviderEmail))

	mux.HandleFunc("GET /api/events", s.handleListEvents)
	mux.HandleFunc("GET /api/events/{provider}/{eventId}", s.handleGetEvent)
	mux.HandleFunc("POST /api/events/{provider}/{eventId}/retry", s.handleRetryEvent)

	mux.HandleFunc("PUT /api/records/{namespace}/{id}", s.handlePutRecord)
	mux.HandleFunc("GET /api/records/{namespace}/{id}", s.handleGetRecord)
	mux.HandleFunc("DELETE /api/records/{namespace}/{id}", s.handleDeleteRecord)
	mux.HandleFunc("POST /api/records/{namespace}/{id}/sync", s.handleSyncRecord)

	mux.HandleFunc("GET /api/conflicts", s.handleListConflicts)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.handleResolveConflict)

	return mux
}

// Start serves until ctx is cancelled, then drains: new requests get
// 503 with a Retry-After hint while in-flight ones finish.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		s.draining.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("ingress server starting", "addr", s.cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ingress server error: %w", err)
	}
	return nil
}

func (s *Server) rejectIfDraining(w http.ResponseWriter) bool {
	if !s.draining.Load() {
		return false
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.ShutdownGrace.Seconds())))
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "shutting down"})
	return true
}

func limitBody(r *http.Request) io.Reader {
	return io.LimitReader(r.Body, maxPayloadBytes)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]any{"error": kind})
}
