// Package service contains application services.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/sqlgate/sqlgate/internal/domain/audit"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/permission"
	"github.com/sqlgate/sqlgate/internal/domain/session"
	"github.com/sqlgate/sqlgate/internal/domain/stream"
)

// LoginRequest is the raw credential set presented to POST /auth or as
// X-Auth-* headers on the stream endpoint.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required"`
	Edition  string `json:"edition" validate:"required,oneof=cloud enterprise community"`
	BaseURL  string `json:"api_base_url" validate:"omitempty,url"`
}

// Presented holds every credential form a request may carry. Resolution
// tries them in field order.
type Presented struct {
	SessionID string
	APIKey    string
	Bearer    string
	Login     *LoginRequest
}

// Empty reports whether nothing was presented.
func (p Presented) Empty() bool {
	return p.SessionID == "" && p.APIKey == "" && p.Bearer == "" && p.Login == nil
}

// AuthMetrics receives authentication outcomes. Implemented by the HTTP
// metrics adapter.
type AuthMetrics interface {
	RecordLogin(outcome string)
	RecordAuthFailure(method, code string)
}

type nopAuthMetrics struct{}

func (nopAuthMetrics) RecordLogin(string)               {}
func (nopAuthMetrics) RecordAuthFailure(string, string) {}

// AuthService is the only caller of the upstream identity check. It turns
// presented credentials into a bound user.
type AuthService struct {
	sessions    *session.SessionService
	verifier    *auth.TokenVerifier
	permissions *PermissionService
	audit       *AuditService
	metrics     AuthMetrics
	validate    *validator.Validate
	logins      singleflight.Group
	logger      *slog.Logger
}

// AuthOption configures AuthService.
type AuthOption func(*AuthService)

// WithTokenVerifier enables JWT bearer tokens.
func WithTokenVerifier(v *auth.TokenVerifier) AuthOption {
	return func(s *AuthService) { s.verifier = v }
}

// WithAuthMetrics sets the metrics sink.
func WithAuthMetrics(m AuthMetrics) AuthOption {
	return func(s *AuthService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithAuthAudit sets the audit sink.
func WithAuthAudit(a *AuditService) AuthOption {
	return func(s *AuthService) { s.audit = a }
}

// NewAuthService creates an AuthService.
func NewAuthService(sessions *session.SessionService, permissions *PermissionService, logger *slog.Logger, opts ...AuthOption) *AuthService {
	s := &AuthService{
		sessions:    sessions,
		permissions: permissions,
		metrics:     nopAuthMetrics{},
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login validates req, checks the credentials upstream and returns the
// user's session, reusing a live one for the same API key. Concurrent
// logins with identical credentials share one upstream call.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*session.Session, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.Edition = strings.ToLower(strings.TrimSpace(req.Edition))
	req.BaseURL = strings.TrimSpace(req.BaseURL)
	if req.BaseURL == "" && req.Edition == auth.EditionCloud {
		req.BaseURL = auth.DefaultCloudBaseURL
	}

	sess, err := s.login(ctx, req)
	if err != nil {
		s.metrics.RecordLogin(auth.Code(err))
		s.audit.RecordUser(ctx, audit.CategoryAuthentication, audit.EventLoginFailed, audit.OutcomeFailure,
			&auth.User{Email: req.Email, Edition: req.Edition}, auth.Code(err), nil)
		s.logger.Info("login failed", "email", req.Email, "edition", req.Edition, "code", auth.Code(err), "error", err)
		return nil, err
	}

	s.metrics.RecordLogin("success")
	s.audit.RecordUser(ctx, audit.CategoryAuthentication, audit.EventLoginSucceeded, audit.OutcomeSuccess,
		sess.User(), "", map[string]string{"base_url": sess.BaseURL})
	s.logger.Info("login succeeded", "user", sess.User())
	return sess, nil
}

func (s *AuthService) login(ctx context.Context, req LoginRequest) (*session.Session, error) {
	if err := s.validateLogin(req); err != nil {
		return nil, err
	}

	v, err, _ := s.logins.Do(loginKey(req), func() (any, error) {
		// Detached so one caller's cancellation cannot fail the others.
		return s.sessions.Authenticate(context.WithoutCancel(ctx), auth.Credentials{
			Email:    req.Email,
			Password: req.Password,
			Edition:  req.Edition,
			BaseURL:  req.BaseURL,
		})
	})
	if err != nil {
		return nil, err
	}
	shared := *v.(*session.Session)
	return &shared, nil
}

func (s *AuthService) validateLogin(req LoginRequest) error {
	// Missing fields are reported by name before format checks.
	creds := auth.Credentials{Email: req.Email, Password: req.Password, Edition: req.Edition, BaseURL: req.BaseURL}
	if field := creds.Missing(); field != "" {
		return &auth.FieldError{Field: field, Reason: "is required"}
	}
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &auth.FieldError{Field: jsonField(fe.Field()), Reason: "failed " + fe.Tag() + " check"}
	}
	return fmt.Errorf("validate login: %w", err)
}

func jsonField(name string) string {
	switch name {
	case "BaseURL":
		return "base_url"
	default:
		return strings.ToLower(name)
	}
}

// loginKey identifies identical login attempts without keeping the password.
func loginKey(req LoginRequest) string {
	h := sha256.Sum256([]byte(strings.ToLower(req.Email) + "\x00" + req.Edition + "\x00" + req.BaseURL + "\x00" + req.Password))
	return hex.EncodeToString(h[:])
}

// Logout removes the session.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return auth.ErrUnauthenticated
	}
	if err := s.sessions.Remove(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return fmt.Errorf("%w: unknown session", auth.ErrUnauthenticated)
		}
		return err
	}
	return nil
}

// Resolve turns presented credentials into a user. Forms are tried in
// priority order and the first that validates wins. Raw login credentials
// are only honoured when allowLogin is set.
func (s *AuthService) Resolve(ctx context.Context, p Presented, allowLogin bool) (*auth.User, error) {
	if p.Empty() {
		return nil, auth.ErrUnauthenticated
	}

	var last error = auth.ErrUnauthenticated
	try := func(method string, fn func() (*auth.User, error)) *auth.User {
		u, err := fn()
		if err != nil {
			s.metrics.RecordAuthFailure(method, auth.Code(err))
			s.logger.Debug("credential rejected", "method", method, "code", auth.Code(err))
			last = err
			return nil
		}
		return u
	}

	if p.SessionID != "" {
		if u := try("session", func() (*auth.User, error) { return s.bySessionID(ctx, p.SessionID) }); u != nil {
			return u, nil
		}
	}
	if p.APIKey != "" {
		if u := try("api_key", func() (*auth.User, error) { return s.byAPIKey(ctx, p.APIKey) }); u != nil {
			return u, nil
		}
	}
	if p.Bearer != "" {
		if u := try("bearer", func() (*auth.User, error) { return s.byBearer(ctx, p.Bearer) }); u != nil {
			return u, nil
		}
	}
	if p.Login != nil && allowLogin {
		sess, err := s.Login(ctx, *p.Login)
		if err == nil {
			return sess.User(), nil
		}
		last = err
	}
	return nil, last
}

// AuthenticateStream resolves the caller of GET /stream and checks the
// stream:connect permission.
func (s *AuthService) AuthenticateStream(ctx context.Context, p Presented) (*auth.User, error) {
	u, err := s.Resolve(ctx, p, true)
	if err != nil {
		s.audit.RecordUser(ctx, audit.CategoryStream, audit.EventStreamRejected, audit.OutcomeFailure, nil, auth.Code(err), nil)
		return nil, err
	}
	if err := s.permissions.Check(ctx, u, permission.StreamConnect); err != nil {
		return nil, err
	}
	return u, nil
}

// Authorize checks p for u.
func (s *AuthService) Authorize(ctx context.Context, u *auth.User, p permission.Permission) error {
	return s.permissions.Check(ctx, u, p)
}

func (s *AuthService) bySessionID(ctx context.Context, id string) (*auth.User, error) {
	sess, err := s.sessions.ValidateByID(ctx, id)
	if err != nil {
		return nil, unauthenticated(err)
	}
	return sess.User(), nil
}

func (s *AuthService) byAPIKey(ctx context.Context, key string) (*auth.User, error) {
	sess, err := s.sessions.ValidateByAPIKey(ctx, key)
	if err != nil {
		return nil, unauthenticated(err)
	}
	return sess.User(), nil
}

// byBearer accepts a JWT or, failing that shape, a session id.
func (s *AuthService) byBearer(ctx context.Context, token string) (*auth.User, error) {
	if !auth.LooksLikeJWT(token) {
		return s.bySessionID(ctx, token)
	}
	if s.verifier == nil {
		return nil, auth.ErrInvalidToken
	}
	u, err := s.verifier.Verify(token)
	if err != nil {
		s.audit.RecordUser(ctx, audit.CategorySecurity, audit.EventInvalidToken, audit.OutcomeFailure, nil, auth.Code(err), nil)
		return nil, err
	}
	return u, nil
}

func unauthenticated(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		return err
	case errors.Is(err, session.ErrSessionNotFound):
		return fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err)
	default:
		return err
	}
}

// SessionRemovalHook closes the removed session's stream and audits the
// removal. It is installed as session.Config.OnRemove.
func SessionRemovalHook(streams *stream.Registry, auditSvc *AuditService, logger *slog.Logger) func(*session.Session, string) {
	return func(sess *session.Session, reason string) {
		event := audit.EventLogout
		switch reason {
		case session.ReasonExpired:
			event = audit.EventSessionExpired
		case session.ReasonEvicted:
			event = audit.EventSessionEvicted
		}
		if streams != nil {
			streams.Close(sess.ID, stream.ReasonSessionEnded)
		}
		auditSvc.Record(audit.AuditRecord{
			Timestamp:      time.Now().UTC(),
			Category:       audit.CategorySession,
			Event:          event,
			Outcome:        audit.OutcomeSuccess,
			SessionID:      sess.ID,
			Email:          sess.Email,
			Edition:        sess.Edition,
			KeyFingerprint: auth.Fingerprint(sess.APIKey),
			Reason:         reason,
		})
		logger.Info("session removed", "session_id", sess.ID, "reason", reason)
	}
}
