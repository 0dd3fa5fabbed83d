// Package audit contains domain types for audit logging.
package audit

import (
	"time"
)

// Category groups audit events.
type Category string

const (
	CategoryAuthentication Category = "AUTHENTICATION"
	CategorySession        Category = "SESSION"
	CategoryStream         Category = "STREAM"
	CategoryPermission     Category = "PERMISSION"
	CategorySecurity       Category = "SECURITY"
	CategoryAPICall        Category = "API_CALL"
)

// Event names recorded by the broker.
const (
	EventLoginSucceeded   = "login_succeeded"
	EventLoginFailed      = "login_failed"
	EventLogout           = "logout"
	EventSessionReused    = "session_reused"
	EventSessionExpired   = "session_expired"
	EventSessionEvicted   = "session_evicted"
	EventStreamOpened     = "stream_opened"
	EventStreamClosed     = "stream_closed"
	EventStreamRejected   = "stream_rejected"
	EventPermissionDenied = "permission_denied"
	EventInvalidToken     = "invalid_token"
	EventOptimize         = "optimize_sql"
	EventListWorkspaces   = "list_workspaces"
	EventWorkspaceInfo    = "get_workspace_info"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditRecord is a single audit event. The API key never appears here;
// KeyFingerprint identifies it instead.
type AuditRecord struct {
	Timestamp      time.Time         `json:"timestamp"`
	Category       Category          `json:"category"`
	Event          string            `json:"event"`
	Outcome        string            `json:"outcome,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Email          string            `json:"email,omitempty"`
	Edition        string            `json:"edition,omitempty"`
	KeyFingerprint string            `json:"key_fingerprint,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	RemoteAddr     string            `json:"remote_addr,omitempty"`
	LatencyMicros  int64             `json:"latency_us,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
}
