package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidehook/tidehook/pkg/types"
)

var ingressRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tidehook",
		Subsystem: "ingress",
		Name:      "requests_total",
		Help:      "Total number of ingress requests.",
	},
	[]string{"provider", "status_code"},
)

func recordIngress(provider types.Provider, status int) {
	ingressRequestsTotal.WithLabelValues(string(provider), strconv.Itoa(status)).Inc()
}

// MetricsServer serves /metrics on a dedicated port, separate from both
// ingress and health probes.
type MetricsServer struct {
	server *http.Server
	log    logr.Logger
}

func NewMetricsServer(addr string, log logr.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
		log:    log,
	}
}

// Start begins serving metrics. Blocks until ctx is cancelled.
func (ms *MetricsServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = ms.server.Close()
	}()

	ms.log.Info("metrics server starting", "addr", ms.server.Addr)
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		ms.log.Error(err, "metrics server error")
	}
}
