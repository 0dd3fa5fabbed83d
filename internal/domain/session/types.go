// Package session manages the server-side sessions that bind an opaque
// session id to one user's upstream API credentials.
package session

import (
	"time"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

// Session binds an opaque id to one user's upstream credentials and tenant.
type Session struct {
	// ID is a random UUID generated at creation.
	ID string
	// APIKey is the upstream key returned by the identity check. At most one
	// live session holds a given key.
	APIKey      string
	Email       string
	Edition     string
	BaseURL     string
	FrontendURL string
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// LastAccess is the last time the session was used (UTC).
	LastAccess time.Time
	// ExpiresAt is LastAccess plus the idle timeout.
	ExpiresAt time.Time
}

// IsExpired reports whether the session was idle past its deadline at now.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Touch records an access at now and pushes the idle deadline out.
func (s *Session) Touch(now time.Time, timeout time.Duration) {
	s.LastAccess = now
	s.ExpiresAt = now.Add(timeout)
}

// User returns the identity this session acts as.
func (s *Session) User() *auth.User {
	return &auth.User{
		SessionID:   s.ID,
		Email:       s.Email,
		Edition:     s.Edition,
		APIKey:      s.APIKey,
		BaseURL:     s.BaseURL,
		FrontendURL: s.FrontendURL,
	}
}

// Grant is what the upstream identity check returns for valid credentials.
type Grant struct {
	APIKey      string
	FrontendURL string
}
