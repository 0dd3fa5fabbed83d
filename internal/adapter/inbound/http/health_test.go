package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fixedSize int

func (f fixedSize) Size() int { return int(f) }
func (f fixedSize) Len() int  { return int(f) }

type fixedAudit struct {
	depth int
	drops int64
}

func (f fixedAudit) ChannelDepth() int     { return f.depth }
func (f fixedAudit) DroppedRecords() int64 { return f.drops }

func TestHealthChecker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checker    *HealthChecker
		wantStatus string
		wantCode   int
	}{
		{
			name:       "healthy",
			checker:    &HealthChecker{Sessions: fixedSize(3), Streams: fixedSize(1), Audit: fixedAudit{depth: 10}, AuditCapacity: 100},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name:       "audit backlog",
			checker:    &HealthChecker{Audit: fixedAudit{depth: 95, drops: 4}, AuditCapacity: 100},
			wantStatus: "unhealthy",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "nothing configured",
			checker:    &HealthChecker{},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.checker.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", body.Status, tt.wantStatus)
			}
		})
	}
}

func TestHealthChecker_ReportsCounts(t *testing.T) {
	t.Parallel()

	h := &HealthChecker{Sessions: fixedSize(3), Streams: fixedSize(2), Audit: fixedAudit{drops: 5}, AuditCapacity: 10}
	got := h.Check()
	if !strings.Contains(got.Checks["session_store"], "3 sessions") {
		t.Errorf("session_store = %q", got.Checks["session_store"])
	}
	if !strings.Contains(got.Checks["streams"], "2 open") {
		t.Errorf("streams = %q", got.Checks["streams"])
	}
	if got.Checks["audit_drops"] != "5 dropped" {
		t.Errorf("audit_drops = %q", got.Checks["audit_drops"])
	}
}
