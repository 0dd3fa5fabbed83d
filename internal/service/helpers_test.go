package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sqlgate/sqlgate/internal/adapter/outbound/memory"
	"github.com/sqlgate/sqlgate/internal/domain/audit"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/session"
	"github.com/sqlgate/sqlgate/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryAuditStore collects appended records.
type memoryAuditStore struct {
	mu      sync.Mutex
	records []audit.AuditRecord
	delay   time.Duration
	flushed atomic.Int32
}

func (m *memoryAuditStore) Append(_ context.Context, records ...audit.AuditRecord) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memoryAuditStore) Flush(context.Context) error { m.flushed.Add(1); return nil }
func (m *memoryAuditStore) Close() error                { return nil }

func (m *memoryAuditStore) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.Event
	}
	return out
}

// stubIdentity grants key "key-<email>" for password "pw".
type stubIdentity struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *stubIdentity) GetUserKey(_ context.Context, creds auth.Credentials) (*session.Grant, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if creds.Password != "pw" {
		return nil, auth.ErrInvalidCredentials
	}
	return &session.Grant{APIKey: "key-" + creds.Email, FrontendURL: "https://app.example"}, nil
}

type upstreamCall struct {
	op     string
	apiKey string
}

// fakeOptimizer records every call with the key it carried.
type fakeOptimizer struct {
	mu          sync.Mutex
	calls       []upstreamCall
	workspaces  []outbound.Workspace
	statements  []outbound.StatementSummary
	analysisErr error
	lastReq     outbound.AnalysisRequest
}

func (f *fakeOptimizer) record(op string, u *auth.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, upstreamCall{op: op, apiKey: u.APIKey})
}

func (f *fakeOptimizer) recorded() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func (f *fakeOptimizer) ValidateUserKey(_ context.Context, u *auth.User) (bool, error) {
	f.record("validateUserKey", u)
	return true, nil
}

func (f *fakeOptimizer) CreateWorkspace(_ context.Context, u *auth.User, _ outbound.WorkspaceRequest) (string, error) {
	f.record("createWorkspace", u)
	return "ws-new", nil
}

func (f *fakeOptimizer) CreateAnalysis(_ context.Context, u *auth.User, req outbound.AnalysisRequest) (string, error) {
	f.record("createAnalysis", u)
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.analysisErr != nil {
		return "", f.analysisErr
	}
	return "an-1", nil
}

func (f *fakeOptimizer) GetAnalysisSummary(_ context.Context, u *auth.User, id string) (*outbound.AnalysisSummary, error) {
	f.record("getAnalysisSummary", u)
	return &outbound.AnalysisSummary{AnalysisID: id, Statements: f.statements}, nil
}

func (f *fakeOptimizer) GetStatementDetails(_ context.Context, u *auth.User, id string) (*outbound.StatementDetails, error) {
	f.record("getStatementDetails", u)
	return &outbound.StatementDetails{AnalysisStmtID: id, DetailMarkdown: "## Detail for " + id}, nil
}

func (f *fakeOptimizer) ListWorkspaces(_ context.Context, u *auth.User, _, _ int) (*outbound.WorkspacePage, error) {
	f.record("listWorkspaces", u)
	return &outbound.WorkspacePage{Total: len(f.workspaces), Records: f.workspaces}, nil
}

// fakeTransport captures stream events.
type fakeTransport struct {
	mu     sync.Mutex
	events []string
	data   []any
	got    chan string
	closed atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{got: make(chan string, 16)}
}

func (t *fakeTransport) Send(event string, payload any) error {
	t.mu.Lock()
	t.events = append(t.events, event)
	t.data = append(t.data, payload)
	t.mu.Unlock()
	t.got <- event
	return nil
}

func (t *fakeTransport) Close() { t.closed.Store(true) }

// waitEvent blocks until event arrives or the test times out.
func (t *fakeTransport) waitEvent(tb testing.TB, event string) any {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-t.got:
			if e == event {
				t.mu.Lock()
				defer t.mu.Unlock()
				return t.data[len(t.data)-1]
			}
		case <-deadline:
			tb.Fatalf("event %q not received", event)
			return nil
		}
	}
}

// stepClock is a manually advanced clock.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newSessions builds a SessionService over a fresh memory store.
func newSessions(identity session.IdentityChecker, onRemove func(*session.Session, string)) *session.SessionService {
	return session.NewSessionService(memory.NewSessionStore(), identity, session.Config{
		MaxPerUser: 3,
		OnRemove:   onRemove,
	})
}

func newTestPermissions(t *testing.T, cfg PermissionConfig) *PermissionService {
	t.Helper()
	p, err := NewPermissionService(cfg, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("NewPermissionService() error = %v", err)
	}
	return p
}
