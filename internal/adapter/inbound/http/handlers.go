package http

import (
	"errors"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/sqlgate/sqlgate/internal/domain/audit"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/authctx"
	"github.com/sqlgate/sqlgate/internal/domain/permission"
	"github.com/sqlgate/sqlgate/internal/domain/ratelimit"
	"github.com/sqlgate/sqlgate/internal/domain/stream"
	"github.com/sqlgate/sqlgate/internal/service"
)

// AuditLog exposes the most recent audit records.
type AuditLog interface {
	Recent(n int) []audit.AuditRecord
}

// Handler serves the SQLGate API routes.
type Handler struct {
	auth     *service.AuthService
	optimize *service.OptimizeService
	streams  *stream.Registry
	auditLog AuditLog
	limiter  ratelimit.Limiter
}

// NewHandler creates the API handler.
func NewHandler(authSvc *service.AuthService, optimizeSvc *service.OptimizeService, streams *stream.Registry) *Handler {
	return &Handler{auth: authSvc, optimize: optimizeSvc, streams: streams}
}

// WithAuditLog enables GET /audit/recent for administrators.
func (h *Handler) WithAuditLog(l AuditLog) *Handler {
	h.auditLog = l
	return h
}

// WithLoginLimiter throttles POST /auth per client address.
func (h *Handler) WithLoginLimiter(l ratelimit.Limiter) *Handler {
	h.limiter = l
	return h
}

// loginResponse is returned by POST /auth.
type loginResponse struct {
	SessionID string `json:"sessionId"`
	Email     string `json:"email"`
	Edition   string `json:"edition"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.allowLogin(w, r) {
		return
	}
	req, err := parseLogin(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sess, err := h.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrUpstreamUnavailable) {
			// Login reports upstream failures as a server error.
			LoggerFromContext(r.Context()).Error("login upstream failure", "error", err)
			writeErrorCode(w, r, http.StatusInternalServerError, auth.Code(err), auth.SafeErrorMessage(err))
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{SessionID: sess.ID, Email: sess.Email, Edition: sess.Edition})
}

// allowLogin consults the limiter and writes 429 when the caller's
// address is over budget. Limiter errors fail open.
func (h *Handler) allowLogin(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	key := ratelimit.FormatKey(ratelimit.KeyTypeIP, RemoteAddrFromContext(r.Context()))
	res, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		LoggerFromContext(r.Context()).Warn("login limiter failed", "error", err)
		return true
	}
	if res.Allowed {
		return true
	}
	secs := int(math.Ceil(res.RetryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	writeErrorCode(w, r, http.StatusTooManyRequests, "rate_limited", "Too many login attempts, retry later")
	return false
}

// parseLogin accepts a JSON body or form fields.
func parseLogin(w http.ResponseWriter, r *http.Request) (service.LoginRequest, error) {
	var req service.LoginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := decodeJSON(w, r, &req)
		return req, err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		return req, errors.Join(errInvalidBody, err)
	}
	req.Email = r.FormValue("email")
	req.Password = r.FormValue("password")
	req.Edition = r.FormValue("edition")
	req.BaseURL = r.FormValue("api_base_url")
	return req, nil
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	u, ok := authctx.Current(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	if err := h.auth.Logout(r.Context(), u.SessionID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream authenticates the caller, registers an SSE transport and
// blocks until the client leaves or the registry closes the handle.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, r, http.StatusInternalServerError, "internal_error", "Streaming unsupported")
		return
	}

	u, err := h.auth.AuthenticateStream(r.Context(), presentedCredentials(r, true))
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, t, ok := h.openStream(w, r, flusher, u)
	if !ok {
		return
	}

	select {
	case <-r.Context().Done():
		h.streams.Release(conn, stream.ReasonClientGone)
	case <-t.done:
	}
}

// openStream registers an SSE transport for u. The status line goes out
// with the connect event, so a failed Open still answers with a JSON error.
func (h *Handler) openStream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, u *auth.User) (*stream.Connection, *sseTransport, bool) {
	w.Header().Set(HeaderSessionID, u.SessionID)
	t := newSSETransport(w, flusher)
	conn, err := h.streams.Open(r.Context(), u, t)
	if err != nil {
		LoggerFromContext(r.Context()).Warn("stream open failed", "user", u, "error", err)
		if !t.committed() {
			w.Header().Del(HeaderSessionID)
			writeError(w, r, err)
		}
		return nil, nil, false
	}
	return conn, t, true
}

func (h *Handler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req service.OptimizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.optimize.OptimizeSQL(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":   report,
		"markdown": report.Markdown(),
	})
}

func (h *Handler) handleOptimizeAsync(w http.ResponseWriter, r *http.Request) {
	var req service.OptimizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	taskID, err := h.optimize.OptimizeAsync(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"taskId": taskID,
		"event":  service.EventOptimizeResult,
	})
}

func (h *Handler) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	table, err := h.optimize.ListWorkspaces(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]string{"markdown": table}
	if table == "" {
		resp["message"] = "No workspaces available"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleWorkspaceLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info, err := h.optimize.GetWorkspaceInfo(r.Context(), q.Get("name"), q.Get("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (h *Handler) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	u, ok := authctx.Current(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	if err := h.auth.Authorize(r.Context(), u, permission.AdminRead); err != nil {
		writeError(w, r, err)
		return
	}

	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": h.auditLog.Recent(limit)})
}

// routeName turns a mux pattern into a metrics label.
func routeName(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}
