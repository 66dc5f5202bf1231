package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// HealthServer exposes /healthz and /readyz endpoints.
type HealthServer struct {
	ready  atomic.Bool
	server *http.Server
	log    logr.Logger
}

// NewHealthServer creates a health server on the given address (e.g., ":8082").
func NewHealthServer(addr string, log logr.Logger) *HealthServer {
	hs := &HealthServer{log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", hs.handleHealthz)
	mux.HandleFunc("/readyz", hs.handleReadyz)

	hs.server = &http.Server{Addr: addr, Handler: mux}
	return hs
}

// MarkReady signals that stores are migrated and the ingress is serving.
func (hs *HealthServer) MarkReady() {
	hs.ready.Store(true)
}

// MarkDraining flips readiness off so load balancers stop routing here
// during shutdown.
func (hs *HealthServer) MarkDraining() {
	hs.ready.Store(false)
}

// Start begins serving health endpoints. Blocks until ctx is cancelled.
func (hs *HealthServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = hs.server.Close()
	}()

	hs.log.Info("health server starting", "addr", hs.server.Addr)
	if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		hs.log.Error(err, "health server error")
	}
}

func (hs *HealthServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (hs *HealthServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if hs.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	}
}
