package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

const (
	// DefaultIdleTimeout is how long a session survives without access.
	DefaultIdleTimeout = 24 * time.Hour
	// DefaultMaxPerUser caps concurrent sessions per user email.
	DefaultMaxPerUser = 5
	// DefaultSweepInterval is how often expired sessions are swept.
	DefaultSweepInterval = 60 * time.Minute

	userLockStripes = 64
)

// Reasons passed to the removal hook.
const (
	ReasonLogout  = "logout"
	ReasonExpired = "expired"
	ReasonEvicted = "evicted"
)

// Config holds session service configuration.
type Config struct {
	// IdleTimeout is the idle expiry. Default: 24 hours.
	IdleTimeout time.Duration
	// MaxPerUser is the per-user session cap. Default: 5.
	MaxPerUser int
	// Now overrides the clock in tests.
	Now func() time.Time
	// OnRemove runs once after a session is removed by logout, expiry
	// (lazy or swept) or eviction. It must not call back into the service.
	OnRemove func(s *Session, reason string)
}

// SessionService owns session lifecycle: login, lookup with lazy expiry,
// per-user eviction and logout.
type SessionService struct {
	store      SessionStore
	identity   IdentityChecker
	timeout    time.Duration
	maxPerUser int
	now        func() time.Time
	onRemove   func(*Session, string)

	// userLocks serialize the create path per user so the cap holds under
	// concurrent logins. Unrelated users land on different stripes.
	userLocks [userLockStripes]sync.Mutex
}

// NewSessionService creates a SessionService backed by store. identity is
// the only collaborator allowed to verify credentials upstream.
func NewSessionService(store SessionStore, identity IdentityChecker, cfg Config) *SessionService {
	timeout := cfg.IdleTimeout
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	maxPerUser := cfg.MaxPerUser
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionService{
		store:      store,
		identity:   identity,
		timeout:    timeout,
		maxPerUser: maxPerUser,
		now:        now,
		onRemove:   cfg.OnRemove,
	}
}

// IdleTimeout returns the effective idle timeout.
func (s *SessionService) IdleTimeout() time.Duration { return s.timeout }

// Authenticate verifies credentials upstream once and returns the live
// session for the resulting API key, creating one if needed. Re-auth with
// the same key before expiry returns the same session.
func (s *SessionService) Authenticate(ctx context.Context, creds auth.Credentials) (*Session, error) {
	if field := creds.Missing(); field != "" {
		return nil, &auth.FieldError{Field: field}
	}

	grant, err := s.identity.GetUserKey(ctx, creds)
	if err != nil {
		return nil, classifyIdentityError(err)
	}
	if grant == nil || grant.APIKey == "" {
		return nil, auth.ErrInvalidCredentials
	}

	mu := s.userLock(creds.Email)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.ValidateByAPIKey(ctx, grant.APIKey)
	switch {
	case err == nil:
		slog.Debug("session reused", "session_id", existing.ID, "email", existing.Email)
		return existing, nil
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
	default:
		return nil, err
	}

	if err := s.makeRoom(ctx, creds.Email); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sess := &Session{
		ID:          GenerateSessionID(),
		APIKey:      grant.APIKey,
		Email:       creds.Email,
		Edition:     creds.Edition,
		BaseURL:     creds.BaseURL,
		FrontendURL: grant.FrontendURL,
		CreatedAt:   now,
	}
	sess.Touch(now, s.timeout)

	if err := s.store.Create(ctx, sess); err != nil {
		if errors.Is(err, ErrAPIKeyInUse) {
			// Same key registered under another email casing or stripe.
			return s.ValidateByAPIKey(ctx, grant.APIKey)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// ValidateByID returns the live session and touches it. Expired sessions
// are removed as a side effect.
func (s *SessionService) ValidateByID(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := s.store.Touch(ctx, id, s.now().UTC(), s.timeout)
	if errors.Is(err, ErrSessionExpired) {
		if stale, gerr := s.store.Get(ctx, id); gerr == nil {
			s.remove(ctx, stale, ReasonExpired)
		}
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ValidateByAPIKey is ValidateByID keyed by the upstream API key.
func (s *SessionService) ValidateByAPIKey(ctx context.Context, apiKey string) (*Session, error) {
	if apiKey == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := s.store.GetByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return s.ValidateByID(ctx, sess.ID)
}

// Remove terminates a session (logout).
func (s *SessionService) Remove(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.remove(ctx, sess, ReasonLogout)
	return nil
}

// IsLive reports whether id names a stored, unexpired session. It does not
// touch the session.
func (s *SessionService) IsLive(ctx context.Context, id string) bool {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return false
	}
	return !sess.IsExpired(s.now().UTC())
}

// Sweep removes every expired session through the removal path, so each
// one fires OnRemove with ReasonExpired. It returns how many it removed.
func (s *SessionService) Sweep(ctx context.Context) int {
	expired, err := s.store.ListExpired(ctx, s.now().UTC())
	if err != nil {
		slog.Warn("failed to list expired sessions", "error", err)
		return 0
	}
	removed := 0
	for _, sess := range expired {
		if s.remove(ctx, sess, ReasonExpired) {
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("swept expired sessions", "count", removed)
	}
	return removed
}

// RunSweep calls Sweep every interval until ctx is done. A non-positive
// interval uses DefaultSweepInterval.
func (s *SessionService) RunSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// makeRoom drops expired sessions of the user and evicts the least
// recently accessed ones until one more fits under the cap.
// Caller holds the user's lock.
func (s *SessionService) makeRoom(ctx context.Context, email string) error {
	sessions, err := s.store.ListByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	now := s.now().UTC()
	live := sessions[:0]
	for _, sess := range sessions {
		if sess.IsExpired(now) {
			s.remove(ctx, sess, ReasonExpired)
			continue
		}
		live = append(live, sess)
	}
	if len(live) < s.maxPerUser {
		return nil
	}

	slices.SortFunc(live, func(a, b *Session) int {
		return a.LastAccess.Compare(b.LastAccess)
	})
	for _, victim := range live[:len(live)-s.maxPerUser+1] {
		s.remove(ctx, victim, ReasonEvicted)
	}
	return nil
}

// remove deletes sess and runs the hook. Only the caller whose Delete
// succeeded runs it, so racing removers fire it once.
func (s *SessionService) remove(ctx context.Context, sess *Session, reason string) bool {
	if err := s.store.Delete(ctx, sess.ID); err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			slog.Warn("failed to delete session", "session_id", sess.ID, "error", err)
		}
		return false
	}
	slog.Debug("session removed", "session_id", sess.ID, "reason", reason)
	if s.onRemove != nil {
		s.onRemove(sess, reason)
	}
	return true
}

func (s *SessionService) userLock(email string) *sync.Mutex {
	h := xxhash.Sum64String(strings.ToLower(email))
	return &s.userLocks[h%userLockStripes]
}

// classifyIdentityError keeps credential rejections distinct and folds
// everything else into an upstream failure.
func classifyIdentityError(err error) error {
	if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUpstreamUnavailable) {
		return err
	}
	return &auth.UpstreamError{Op: "getUserKey", Err: err}
}

// GenerateSessionID creates a random (v4) UUID session id.
func GenerateSessionID() string {
	return uuid.NewString()
}
