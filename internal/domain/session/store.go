package session

import (
	"context"
	"errors"
	"time"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

// SessionStore holds active sessions indexed by id, by API key and by
// owner email. Implementations must keep every index in step: a session is
// visible through all of them or through none.
type SessionStore interface {
	// Create stores a new session.
	// Returns ErrAPIKeyInUse if another session already holds the key.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by ID, expired or not.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id string) (*Session, error)

	// GetByAPIKey retrieves the session holding the API key.
	GetByAPIKey(ctx context.Context, apiKey string) (*Session, error)

	// ListByEmail returns every session owned by the user.
	ListByEmail(ctx context.Context, email string) ([]*Session, error)

	// Touch refreshes a live session and returns the updated copy.
	// Returns ErrSessionExpired, leaving the session untouched, when it
	// was already idle past its deadline at now.
	Touch(ctx context.Context, id string, now time.Time, timeout time.Duration) (*Session, error)

	// ListExpired returns every session idle past its deadline at now.
	// It does not remove them.
	ListExpired(ctx context.Context, now time.Time) ([]*Session, error)

	// Delete removes a session from every index.
	// Returns ErrSessionNotFound if it was already removed.
	Delete(ctx context.Context, id string) error
}

// IdentityChecker exchanges login credentials for an upstream API key.
type IdentityChecker interface {
	GetUserKey(ctx context.Context, creds auth.Credentials) (*Grant, error)
}

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired aliases the auth kind so callers need one check.
	ErrSessionExpired = auth.ErrSessionExpired
	// ErrAPIKeyInUse is returned by Create when the key is already indexed.
	ErrAPIKeyInUse = errors.New("api key already bound to a session")
)
