package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker manages liveness and readiness state. The service is ready
// once every registered dependency has reported healthy.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]bool
	startTime  time.Time
}

func NewHealthChecker(components ...string) *HealthChecker {
	h := &HealthChecker{
		components: make(map[string]bool, len(components)),
		startTime:  time.Now(),
	}
	for _, c := range components {
		h.components[c] = false
	}
	return h
}

// SetComponent records the health of one dependency (postgres, nats, ...).
func (h *HealthChecker) SetComponent(name string, healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = healthy
}

func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ok := range h.components {
		if !ok {
			return false
		}
	}
	return true
}

// Unhealthy lists dependencies that have not reported healthy.
func (h *HealthChecker) Unhealthy() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, ok := range h.components {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if every dependency is healthy, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "not_ready",
		"waiting": h.Unhealthy(),
	})
}
