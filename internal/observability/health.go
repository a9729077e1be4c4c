package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Pinger is a dependency probed by the readiness check (Postgres, NATS, Redis).
type Pinger func(ctx context.Context) error

// HealthChecker manages liveness and readiness state.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu    sync.RWMutex
	deps  map[string]Pinger
	probe time.Duration
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		deps:      make(map[string]Pinger),
		probe:     2 * time.Second,
	}
}

// Register adds a named dependency to the readiness probe.
func (h *HealthChecker) Register(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps[name] = p
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Check probes every registered dependency and returns the failures by name.
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	failures := make(map[string]string)
	for name, ping := range h.deps {
		pctx, cancel := context.WithTimeout(ctx, h.probe)
		if err := ping(pctx); err != nil {
			failures[name] = err.Error()
		}
		cancel()
	}
	return failures
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready and every dependency answers, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	failures := h.Check(r.Context())
	if h.ready.Load() && len(failures) == 0 {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "not_ready",
		"dependencies": failures,
	})
}
