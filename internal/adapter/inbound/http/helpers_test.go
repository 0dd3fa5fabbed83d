package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sqlgate/sqlgate/internal/adapter/outbound/memory"
	"github.com/sqlgate/sqlgate/internal/concurrency"
	"github.com/sqlgate/sqlgate/internal/domain/audit"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/authctx"
	"github.com/sqlgate/sqlgate/internal/domain/session"
	"github.com/sqlgate/sqlgate/internal/domain/stream"
	"github.com/sqlgate/sqlgate/internal/port/outbound"
	"github.com/sqlgate/sqlgate/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubIdentity grants key "key-<email>" for password "pw" and fails with
// an upstream error for password "down".
type stubIdentity struct{}

func (stubIdentity) GetUserKey(_ context.Context, creds auth.Credentials) (*session.Grant, error) {
	switch creds.Password {
	case "pw":
		return &session.Grant{APIKey: "key-" + creds.Email, FrontendURL: "https://app.example"}, nil
	case "down":
		return nil, auth.ErrUpstreamUnavailable
	default:
		return nil, auth.ErrInvalidCredentials
	}
}

// keyRecorder is an OptimizerAPI that records the key of every call.
type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (k *keyRecorder) record(u *auth.User) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, u.APIKey)
}

func (k *keyRecorder) seen() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.keys...)
}

func (k *keyRecorder) ValidateUserKey(_ context.Context, u *auth.User) (bool, error) {
	k.record(u)
	return true, nil
}

func (k *keyRecorder) CreateWorkspace(_ context.Context, u *auth.User, _ outbound.WorkspaceRequest) (string, error) {
	k.record(u)
	return "ws-1", nil
}

func (k *keyRecorder) CreateAnalysis(_ context.Context, u *auth.User, _ outbound.AnalysisRequest) (string, error) {
	k.record(u)
	return "an-1", nil
}

func (k *keyRecorder) GetAnalysisSummary(_ context.Context, u *auth.User, id string) (*outbound.AnalysisSummary, error) {
	k.record(u)
	return &outbound.AnalysisSummary{
		AnalysisID: id,
		Statements: []outbound.StatementSummary{{AnalysisStmtID: "st-1", SQL: "select 1"}},
	}, nil
}

func (k *keyRecorder) GetStatementDetails(_ context.Context, u *auth.User, id string) (*outbound.StatementDetails, error) {
	k.record(u)
	return &outbound.StatementDetails{AnalysisStmtID: id, DetailMarkdown: "## Detail"}, nil
}

func (k *keyRecorder) ListWorkspaces(_ context.Context, u *auth.User, _, _ int) (*outbound.WorkspacePage, error) {
	k.record(u)
	return &outbound.WorkspacePage{
		Total:   1,
		Records: []outbound.Workspace{{ID: "ws-1", Name: "orders", DBType: "mysql", Status: "ready"}},
	}, nil
}

// staticAuditLog returns n synthetic records.
type staticAuditLog struct{}

func (staticAuditLog) Recent(n int) []audit.AuditRecord {
	out := make([]audit.AuditRecord, 0, n)
	for i := 0; i < n && i < 3; i++ {
		out = append(out, audit.AuditRecord{Category: audit.CategorySession, Event: audit.EventLogout})
	}
	return out
}

// testEnv is a fully wired server over in-memory collaborators.
type testEnv struct {
	server   *httptest.Server
	api      *keyRecorder
	streams  *stream.Registry
	sessions *session.SessionService
	metrics  *Metrics
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	streams := stream.NewRegistry(stream.WithLogger(logger), stream.WithObserver(metrics))
	sessions := session.NewSessionService(memory.NewSessionStore(), stubIdentity{}, session.Config{
		OnRemove: service.SessionRemovalHook(streams, nil, logger),
	})
	perms, err := service.NewPermissionService(service.PermissionConfig{
		Admins:   []string{"root@x.com"},
		ReadOnly: []string{"viewer@x.com"},
	}, nil, nil, logger)
	if err != nil {
		t.Fatalf("NewPermissionService() error = %v", err)
	}
	authSvc := service.NewAuthService(sessions, perms, logger, service.WithAuthMetrics(metrics))

	exec := concurrency.NewExecutor(2)
	api := &keyRecorder{}
	optimize := service.NewOptimizeService(api, authctx.NewResolver(streams), perms, exec, streams, nil, logger)

	srv := NewServer(NewHandler(authSvc, optimize, streams).WithAuditLog(staticAuditLog{}),
		WithLogger(logger),
		WithMetrics(reg, metrics),
		WithAllowedOrigins([]string{"https://app.example"}),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		streams.CloseAll(stream.ReasonShutdown)
		ts.Close()
		exec.Close()
	})

	return &testEnv{server: ts, api: api, streams: streams, sessions: sessions, metrics: metrics, registry: reg}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// login returns a fresh session id for email.
func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/auth",
		`{"email":"`+email+`","password":"pw","edition":"cloud"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return body.SessionID
}

func decodeError(t *testing.T, resp *http.Response) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

type sseEvent struct {
	name string
	data string
}

// sseReader parses event frames from a streaming response.
type sseReader struct {
	events chan sseEvent
}

func newSSEReader(body io.Reader) *sseReader {
	r := &sseReader{events: make(chan sseEvent, 16)}
	go func() {
		defer close(r.events)
		sc := bufio.NewScanner(body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if ev.name != "" {
					r.events <- ev
				}
				ev = sseEvent{}
			}
		}
	}()
	return r
}

func (r *sseReader) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-r.events:
		if !ok {
			t.Fatal("stream ended before next event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}
