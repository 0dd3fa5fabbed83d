package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sqlgate/sqlgate/internal/ctxkey"
	"github.com/sqlgate/sqlgate/internal/domain/authctx"
	"github.com/sqlgate/sqlgate/internal/service"
)

// Credential headers and query parameters.
const (
	HeaderSessionID   = "X-Session-ID"
	HeaderAPIKey      = "X-API-Key"
	HeaderAuthEmail   = "X-Auth-Email"
	HeaderAuthPass    = "X-Auth-Password"
	HeaderAuthEdition = "X-Auth-Edition"
	HeaderAuthBaseURL = "X-Auth-ApiBaseUrl"

	querySessionID = "sessionId"
	queryAPIKey    = "apiKey"
)

// LoggerKey is the context key for the enriched logger.
var LoggerKey = ctxkey.LoggerKey{}

// remoteAddrKey is the context key for the resolved client address.
type remoteAddrKey struct{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, LoggerKey, logger.With("request_id", requestID))

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	return id
}

// DNSRebindingProtection validates the Origin header against an allowlist.
// Requests without an Origin header are allowed. An empty allowlist blocks
// every browser origin.
func DNSRebindingProtection(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok {
				writeErrorCode(w, r, http.StatusForbidden, "origin_not_allowed", "Origin not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RealIPMiddleware stores the client's address in the context.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), remoteAddrKey{}, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RemoteAddrFromContext returns the address stored by RealIPMiddleware.
func RemoteAddrFromContext(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}

// extractRealIP trusts only the first X-Forwarded-For entry, then
// X-Real-IP, then the connection address.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuthMiddleware resolves the caller and binds it to the request for the
// duration of the handler. Unauthenticated requests get 401.
func AuthMiddleware(auth *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := auth.Resolve(r.Context(), presentedCredentials(r, false), false)
			if err != nil {
				writeError(w, r, err)
				return
			}

			ctx, release := authctx.BindRequest(r.Context(), u)
			defer release()
			ctx = authctx.WithCorrelationID(ctx, u.SessionID)
			LoggerFromContext(ctx).Debug("request authenticated", "user", u)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// presentedCredentials collects every credential form on r.
func presentedCredentials(r *http.Request, allowLogin bool) service.Presented {
	q := r.URL.Query()
	p := service.Presented{
		SessionID: firstNonEmpty(q.Get(querySessionID), r.Header.Get(HeaderSessionID)),
		APIKey:    firstNonEmpty(q.Get(queryAPIKey), r.Header.Get(HeaderAPIKey)),
		Bearer:    bearerToken(r),
	}
	// Implicit login needs both halves; a lone email is not a credential.
	if allowLogin && r.Header.Get(HeaderAuthEmail) != "" && r.Header.Get(HeaderAuthPass) != "" {
		p.Login = &service.LoginRequest{
			Email:    r.Header.Get(HeaderAuthEmail),
			Password: r.Header.Get(HeaderAuthPass),
			Edition:  r.Header.Get(HeaderAuthEdition),
			BaseURL:  r.Header.Get(HeaderAuthBaseURL),
		}
	}
	return p
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
