package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker serves the liveness and readiness probes. The bots report
// ready only once the first full account snapshot has been applied, since
// scanning before that would act on an incomplete account universe.
type HealthChecker struct {
	mu         sync.Mutex
	ready      bool
	readySince time.Time
	startTime  time.Time
}

// NewHealthChecker creates a checker in the not-ready state.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// SetReady flips the readiness state. The first transition to ready
// records the time the readiness probe reports from then on.
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ready && !h.ready {
		h.readySince = time.Now()
	}
	h.ready = ready
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// LivenessHandler answers 200 whenever the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 once the first snapshot is applied and 503
// before, so orchestrators hold traffic during warmup.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	ready, since := h.ready, h.readySince
	h.mu.Unlock()

	if !ready {
		writeProbe(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "waiting for first account snapshot",
		})
		return
	}
	writeProbe(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"ready_since": since.Format(time.RFC3339),
	})
}

func writeProbe(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
