package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlgate/sqlgate/internal/domain/stream"
)

const shutdownTimeout = 10 * time.Second

// Server is the inbound HTTP adapter. It owns the listener and the route
// table and closes every open stream on shutdown.
type Server struct {
	handler        *Handler
	server         *http.Server
	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	logger         *slog.Logger
	registry       *prometheus.Registry
	metrics        *Metrics
	healthChecker  *HealthChecker
	mcpHandler     http.Handler
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithMetrics serves reg on /metrics and records request metrics into m.
func WithMetrics(reg *prometheus.Registry, m *Metrics) Option {
	return func(s *Server) {
		s.registry = reg
		s.metrics = m
	}
}

// WithMCPHandler mounts an MCP endpoint on /mcp behind authentication.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) {
		s.mcpHandler = h
	}
}

// NewServer creates the HTTP server for h.
func NewServer(h *Handler, opts ...Option) *Server {
	s := &Server{
		handler:        h,
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = NewMetrics(s.registry)
	}
	return s
}

// Handler builds the route table wrapped in the shared middleware chain:
// RequestID -> RealIP -> DNSRebinding -> route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := AuthMiddleware(s.handler.auth)

	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, MetricsMiddleware(s.metrics, routeName(pattern))(h))
	}

	route("POST /auth", http.HandlerFunc(s.handler.handleLogin))
	route("DELETE /auth", authed(http.HandlerFunc(s.handler.handleLogout)))
	route("GET /stream", http.HandlerFunc(s.handler.handleStream))
	route("POST /optimize", authed(http.HandlerFunc(s.handler.handleOptimize)))
	route("POST /optimize/async", authed(http.HandlerFunc(s.handler.handleOptimizeAsync)))
	route("GET /workspaces", authed(http.HandlerFunc(s.handler.handleListWorkspaces)))
	route("GET /workspaces/lookup", authed(http.HandlerFunc(s.handler.handleWorkspaceLookup)))
	if s.handler.auditLog != nil {
		route("GET /audit/recent", authed(http.HandlerFunc(s.handler.handleRecentAudit)))
	}
	if s.mcpHandler != nil {
		route("/mcp", authed(s.mcpHandler))
		route("/mcp/", authed(s.mcpHandler))
	}

	if s.healthChecker != nil {
		mux.Handle("GET /health", s.healthChecker.Handler())
	} else {
		mux.Handle("GET /health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		}))
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	var handler http.Handler = mux
	handler = DNSRebindingProtection(s.allowedOrigins)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	return handler
}

// Start begins accepting connections. It blocks until ctx is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE responses stay open.
	}
	if s.certFile != "" && s.keyFile != "" {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			s.logger.Info("starting HTTPS server", "addr", s.addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown closes open streams first so their handlers return, then
// drains the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.handler.streams.CloseAll(stream.ReasonShutdown)

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
