package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// Sizer reports a component's current size.
type Sizer interface{ Size() int }

// AuditDepth reports the audit pipeline's backlog.
type AuditDepth interface {
	ChannelDepth() int
	DroppedRecords() int64
}

// HealthChecker verifies component health. Nil components are reported as
// not configured.
type HealthChecker struct {
	Sessions      Sizer
	Streams       interface{ Len() int }
	Audit         AuditDepth
	AuditCapacity int
	Version       string
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.Sessions != nil {
		checks["session_store"] = fmt.Sprintf("ok: %d sessions", h.Sessions.Size())
	} else {
		checks["session_store"] = "not configured"
	}

	if h.Streams != nil {
		checks["streams"] = fmt.Sprintf("ok: %d open", h.Streams.Len())
	} else {
		checks["streams"] = "not configured"
	}

	if h.Audit != nil && h.AuditCapacity > 0 {
		depth := h.Audit.ChannelDepth()
		percentFull := depth * 100 / h.AuditCapacity
		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, h.AuditCapacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, h.AuditCapacity, percentFull)
		}
		if drops := h.Audit.DroppedRecords(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.Version}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
