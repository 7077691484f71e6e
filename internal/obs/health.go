package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ReadinessProbe returns nil when the probed component is ready.
type ReadinessProbe func() error

// HealthServer serves /health, /ready and /metrics.
//
// /health is always 200. /ready aggregates the registered probes and returns
// 503 when any fails. /metrics renders the registry, or 501 when none is
// configured.
type HealthServer struct {
	mu      sync.RWMutex
	probes  map[string]ReadinessProbe
	metrics *Metrics
	log     *logrus.Entry
	server  *http.Server
}

// NewHealthServer builds the server; metrics may be nil.
func NewHealthServer(metrics *Metrics, log *logrus.Entry) *HealthServer {
	return &HealthServer{
		probes:  make(map[string]ReadinessProbe),
		metrics: metrics,
		log:     log,
	}
}

// RegisterProbe adds a named readiness probe.
func (h *HealthServer) RegisterProbe(name string, probe ReadinessProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

// Handler returns the HTTP mux for embedding or testing.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/metrics", h.handleMetrics)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	probes := make(map[string]ReadinessProbe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.RUnlock()

	checks := make(map[string]string, len(probes))
	ready := true
	for name, probe := range probes {
		if err := probe(); err != nil {
			checks[name] = err.Error()
			ready = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": checks})
}

func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		http.Error(w, "metrics registry not configured", http.StatusNotImplemented)
		return
	}
	promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// Start listens on addr in a background goroutine.
func (h *HealthServer) Start(addr string) {
	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.WithError(err).Error("health server stopped")
		}
	}()
}

// Shutdown stops the server gracefully.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}
