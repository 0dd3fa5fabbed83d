package auth

import (
	"errors"
	"fmt"
)

// Error kinds. Callers test with errors.Is.
var (
	ErrMissingField        = errors.New("missing required field")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated     = errors.New("authentication required")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrSessionExpired is reported to clients as unauthenticated but is
	// logged and audited on its own.
	ErrSessionExpired = errors.New("session expired")
)

// FieldError names the parameter that was absent or malformed.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return "missing required field: " + e.Field
	}
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrMissingField }

// UpstreamError wraps a transport or protocol failure talking to the
// upstream API. The cause is kept for logs only.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.Err} }

// Code returns the stable error code sent to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "internal_error"
	}
}

// SafeErrorMessage returns a client-safe error message.
// Upstream causes and internal details are never exposed.
func SafeErrorMessage(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Error()
	}
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid credentials"
	case errors.Is(err, ErrSessionExpired):
		return "Session expired"
	case errors.Is(err, ErrUnauthenticated):
		return "Authentication required"
	case errors.Is(err, ErrPermissionDenied):
		return "Permission denied"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "Upstream service unavailable"
	default:
		return "Internal error"
	}
}
