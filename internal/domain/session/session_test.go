package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

// mockSessionStore is a simple in-memory mock for testing.
type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: make(map[string]*Session)}
}

func (m *mockSessionStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.APIKey == s.APIKey {
			return ErrAPIKeyInUse
		}
	}
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m *mockSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	c := *s
	return &c, nil
}

func (m *mockSessionStore) GetByAPIKey(ctx context.Context, apiKey string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.APIKey == apiKey {
			c := *s
			return &c, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *mockSessionStore) ListByEmail(ctx context.Context, email string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if strings.EqualFold(s.Email, email) {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockSessionStore) Touch(ctx context.Context, id string, now time.Time, timeout time.Duration) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.IsExpired(now) {
		return nil, ErrSessionExpired
	}
	s.Touch(now, timeout)
	c := *s
	return &c, nil
}

func (m *mockSessionStore) ListExpired(ctx context.Context, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.IsExpired(now) {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockSessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *mockSessionStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// stubIdentity returns a fixed key per email, or a fresh key per call when
// uniqueKeys is set.
type stubIdentity struct {
	calls      atomic.Int64
	uniqueKeys bool
	err        error
}

func (s *stubIdentity) GetUserKey(ctx context.Context, creds auth.Credentials) (*Grant, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if creds.Password != "pw" {
		return nil, auth.ErrInvalidCredentials
	}
	key := "key-" + creds.Email
	if s.uniqueKeys {
		key = fmt.Sprintf("key-%s-%d", creds.Email, n)
	}
	return &Grant{APIKey: key, FrontendURL: "https://app"}, nil
}

// fakeClock is advanced manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testCreds = auth.Credentials{Email: "a@x.com", Password: "pw", Edition: "cloud", BaseURL: "https://api"}

func TestSessionService_AuthenticateReusesLiveSession(t *testing.T) {
	t.Parallel()

	store := newMockSessionStore()
	idp := &stubIdentity{}
	svc := NewSessionService(store, idp, Config{})
	ctx := context.Background()

	first, err := svc.Authenticate(ctx, testCreds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	second, err := svc.Authenticate(ctx, testCreds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("Authenticate() ID = %q, want reused %q", second.ID, first.ID)
	}
	if got := idp.calls.Load(); got != 2 {
		t.Errorf("identity calls = %d, want 2", got)
	}
	if store.size() != 1 {
		t.Errorf("store size = %d, want 1", store.size())
	}
	if first.FrontendURL != "https://app" {
		t.Errorf("FrontendURL = %q, want %q", first.FrontendURL, "https://app")
	}
}

func TestSessionService_AuthenticateAfterExpiryCreatesNewSession(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMockSessionStore()
	var removed []string
	svc := NewSessionService(store, &stubIdentity{}, Config{
		IdleTimeout: time.Hour,
		Now:         clock.Now,
		OnRemove: func(s *Session, reason string) {
			removed = append(removed, reason)
		},
	})
	ctx := context.Background()

	first, err := svc.Authenticate(ctx, testCreds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	clock.Advance(time.Hour + time.Second)

	second, err := svc.Authenticate(ctx, testCreds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if first.ID == second.ID {
		t.Errorf("Authenticate() after expiry returned the same ID %q", first.ID)
	}
	if _, err := svc.ValidateByID(ctx, first.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ValidateByID(old) error = %v, want ErrSessionNotFound", err)
	}
	if len(removed) != 1 || removed[0] != ReasonExpired {
		t.Errorf("OnRemove reasons = %v, want [%s]", removed, ReasonExpired)
	}
}

func TestSessionService_EvictsLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMockSessionStore()
	svc := NewSessionService(store, &stubIdentity{uniqueKeys: true}, Config{
		MaxPerUser: 3,
		Now:        clock.Now,
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := svc.Authenticate(ctx, testCreds)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		ids = append(ids, s.ID)
		clock.Advance(time.Minute)
	}

	// Touch the oldest so the second becomes least recently accessed.
	if _, err := svc.ValidateByID(ctx, ids[0]); err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	clock.Advance(time.Minute)

	if _, err := svc.Authenticate(ctx, testCreds); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	sessions, _ := store.ListByEmail(ctx, testCreds.Email)
	if len(sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(sessions))
	}
	if _, err := store.Get(ctx, ids[1]); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("least recently accessed session %q still present", ids[1])
	}
	if _, err := store.Get(ctx, ids[0]); err != nil {
		t.Errorf("recently touched session evicted: %v", err)
	}
}

func TestSessionService_CapHoldsUnderConcurrentLogins(t *testing.T) {
	t.Parallel()

	store := newMockSessionStore()
	svc := NewSessionService(store, &stubIdentity{uniqueKeys: true}, Config{MaxPerUser: 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Authenticate(ctx, testCreds)
		}()
	}
	wg.Wait()

	sessions, _ := store.ListByEmail(ctx, testCreds.Email)
	if len(sessions) > 2 {
		t.Errorf("sessions = %d, want <= 2", len(sessions))
	}
}

func TestSessionService_AuthenticateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		creds     auth.Credentials
		idpErr    error
		wantErr   error
		wantCalls int64
	}{
		{
			name:      "missing edition",
			creds:     auth.Credentials{Email: "a@x.com", Password: "pw", BaseURL: "https://api"},
			wantErr:   auth.ErrMissingField,
			wantCalls: 0,
		},
		{
			name:      "bad password",
			creds:     auth.Credentials{Email: "a@x.com", Password: "nope", Edition: "cloud", BaseURL: "https://api"},
			wantErr:   auth.ErrInvalidCredentials,
			wantCalls: 1,
		},
		{
			name:      "upstream timeout",
			creds:     testCreds,
			idpErr:    context.DeadlineExceeded,
			wantErr:   auth.ErrUpstreamUnavailable,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			idp := &stubIdentity{err: tt.idpErr}
			svc := NewSessionService(newMockSessionStore(), idp, Config{})

			_, err := svc.Authenticate(context.Background(), tt.creds)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if got := idp.calls.Load(); got != tt.wantCalls {
				t.Errorf("identity calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestSessionService_ValidateTouches(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	svc := NewSessionService(newMockSessionStore(), &stubIdentity{}, Config{Now: clock.Now})
	ctx := context.Background()

	s, err := svc.Authenticate(ctx, testCreds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	clock.Advance(5 * time.Minute)

	got, err := svc.ValidateByAPIKey(ctx, s.APIKey)
	if err != nil {
		t.Fatalf("ValidateByAPIKey() error = %v", err)
	}
	if !got.LastAccess.After(s.LastAccess) {
		t.Errorf("LastAccess = %v, want after %v", got.LastAccess, s.LastAccess)
	}
	if got.ID != s.ID {
		t.Errorf("ValidateByAPIKey() ID = %q, want %q", got.ID, s.ID)
	}
}

func TestSessionService_ValidateExpiredReportsExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMockSessionStore()
	svc := NewSessionService(store, &stubIdentity{}, Config{IdleTimeout: time.Minute, Now: clock.Now})
	ctx := context.Background()

	s, err := svc.Authenticate(ctx, testCreds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	if _, err := svc.ValidateByID(ctx, s.ID); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("ValidateByID() error = %v, want ErrSessionExpired", err)
	}
	if store.size() != 0 {
		t.Errorf("store size = %d, want expired session removed", store.size())
	}
}

func TestSessionService_Remove(t *testing.T) {
	t.Parallel()

	store := newMockSessionStore()
	var reasons []string
	svc := NewSessionService(store, &stubIdentity{}, Config{
		OnRemove: func(s *Session, reason string) { reasons = append(reasons, reason) },
	})
	ctx := context.Background()

	s, err := svc.Authenticate(ctx, testCreds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if err := svc.Remove(ctx, s.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, err := svc.ValidateByID(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ValidateByID() after Remove() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := svc.ValidateByAPIKey(ctx, s.APIKey); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ValidateByAPIKey() after Remove() error = %v, want ErrSessionNotFound", err)
	}
	if len(reasons) != 1 || reasons[0] != ReasonLogout {
		t.Errorf("OnRemove reasons = %v, want [%s]", reasons, ReasonLogout)
	}
	if err := svc.Remove(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Remove() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionService_SweepRunsRemovalHook(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newMockSessionStore()
	var (
		mu      sync.Mutex
		removed []string
	)
	svc := NewSessionService(store, &stubIdentity{}, Config{
		IdleTimeout: time.Hour,
		Now:         clock.Now,
		OnRemove: func(s *Session, reason string) {
			mu.Lock()
			removed = append(removed, s.ID+":"+reason)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	stale, err := svc.Authenticate(ctx, testCreds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	clock.Advance(50 * time.Minute)
	bob := testCreds
	bob.Email = "b@x.com"
	live, err := svc.Authenticate(ctx, bob)
	if err != nil {
		t.Fatalf("Authenticate(b) error = %v", err)
	}
	clock.Advance(20 * time.Minute)

	if !svc.IsLive(ctx, live.ID) {
		t.Error("IsLive(live) = false, want true")
	}
	if svc.IsLive(ctx, stale.ID) {
		t.Error("IsLive(stale) = true before sweep, want false")
	}

	if n := svc.Sweep(ctx); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if n := svc.Sweep(ctx); n != 0 {
		t.Errorf("second Sweep() = %d, want 0", n)
	}
	if store.size() != 1 {
		t.Errorf("store size = %d, want 1", store.size())
	}
	mu.Lock()
	defer mu.Unlock()
	if want := stale.ID + ":" + ReasonExpired; len(removed) != 1 || removed[0] != want {
		t.Errorf("OnRemove calls = %v, want [%s]", removed, want)
	}
}

func TestSessionService_RemoveFiresHookOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var calls atomic.Int64
	svc := NewSessionService(newMockSessionStore(), &stubIdentity{}, Config{
		IdleTimeout: time.Minute,
		Now:         clock.Now,
		OnRemove:    func(*Session, string) { calls.Add(1) },
	})
	ctx := context.Background()

	s, err := svc.Authenticate(ctx, testCreds)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Sweep(ctx)
			_, _ = svc.ValidateByID(ctx, s.ID)
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("OnRemove calls = %d, want 1", got)
	}
}

func TestSessionService_RunSweepStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewSessionService(newMockSessionStore(), &stubIdentity{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunSweep(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweep did not return after cancel")
	}
}

func TestSession_IsExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := &Session{}
	s.Touch(now, time.Hour)

	if s.IsExpired(now.Add(59 * time.Minute)) {
		t.Error("IsExpired() = true before deadline")
	}
	if !s.IsExpired(now.Add(61 * time.Minute)) {
		t.Error("IsExpired() = false after deadline")
	}
}

func TestGenerateSessionID_Unique(t *testing.T) {
	t.Parallel()

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateSessionID()
		if ids[id] {
			t.Fatalf("GenerateSessionID() generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}
