package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/sqlgate/sqlgate/internal/adapter/inbound/http"
	mcpadapter "github.com/sqlgate/sqlgate/internal/adapter/inbound/mcp"
	auditstore "github.com/sqlgate/sqlgate/internal/adapter/outbound/audit"
	"github.com/sqlgate/sqlgate/internal/adapter/outbound/cel"
	"github.com/sqlgate/sqlgate/internal/adapter/outbound/memory"
	"github.com/sqlgate/sqlgate/internal/adapter/outbound/optapi"
	"github.com/sqlgate/sqlgate/internal/concurrency"
	"github.com/sqlgate/sqlgate/internal/config"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/authctx"
	"github.com/sqlgate/sqlgate/internal/domain/permission"
	"github.com/sqlgate/sqlgate/internal/domain/ratelimit"
	"github.com/sqlgate/sqlgate/internal/domain/session"
	"github.com/sqlgate/sqlgate/internal/domain/stream"
	"github.com/sqlgate/sqlgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the SQLGate server",
	Long: `Start the SQLGate HTTP server.

Examples:
  # Start with ./sqlgate.yaml
  sqlgate start

  # Start in development mode (debug logging, local origins allowed)
  sqlgate start --dev`,
	RunE: runStart,
}

var devMode bool

// shutdownGrace bounds flushing of buffered spans on exit.
const shutdownGrace = 5 * time.Second

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, local origins allowed)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so CLI flags can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C kills.
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("sqlgate stopped")
	return nil
}

// newLogger builds the stderr text logger. DevMode always forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// run wires every component and blocks until ctx is cancelled or the
// listener fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, shutdownTracing, err := newTracerProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer shutdownTracing()

	// ===== Audit pipeline =====
	auditStore, err := auditstore.NewStore(auditstore.Config{
		Output:        cfg.Audit.Output,
		RetentionDays: cfg.Audit.RetentionDays,
		CacheSize:     cfg.Audit.CacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	auditSvc := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.Audit.AuditFlushInterval()),
		service.WithSendTimeout(cfg.Audit.AuditSendTimeout()),
	)
	auditSvc.Start(ctx)
	// Runs after every producer below has stopped.
	defer auditSvc.Stop()

	// ===== Metrics =====
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := httpadapter.NewMetrics(reg)

	// ===== Streams, upstream, sessions =====
	var sessions *session.SessionService
	streams := stream.NewRegistry(
		stream.WithProbeInterval(cfg.Stream.ProbeInterval()),
		stream.WithLogger(logger),
		stream.WithObserver(stream.Observers{metrics, service.NewStreamAuditor(auditSvc)}),
		stream.WithLiveness(func(ctx context.Context, id string) bool {
			return auth.IsTokenSessionID(id) || sessions.IsLive(ctx, id)
		}),
	)

	api := optapi.NewClient(
		optapi.WithTimeout(cfg.Upstream.Timeout()),
		optapi.WithTracerProvider(tp),
		optapi.WithLogger(logger),
	)

	sessionStore := memory.NewSessionStore()
	sessions = session.NewSessionService(sessionStore, api, session.Config{
		IdleTimeout: cfg.Session.IdleTimeout(),
		MaxPerUser:  cfg.Session.MaxPerUser,
		OnRemove:    service.SessionRemovalHook(streams, auditSvc, logger),
	})

	// ===== Permissions and auth =====
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create rule evaluator: %w", err)
	}
	permissions, err := service.NewPermissionService(service.PermissionConfig{
		Admins:   cfg.Permissions.Admins,
		ReadOnly: cfg.Permissions.ReadOnly,
		Rules:    permissionRules(cfg.Permissions.Rules),
	}, evaluator, auditSvc, logger)
	if err != nil {
		return fmt.Errorf("failed to load permission rules: %w", err)
	}

	authOpts := []service.AuthOption{
		service.WithAuthMetrics(metrics),
		service.WithAuthAudit(auditSvc),
	}
	if cfg.Auth.JWTSecret != "" {
		authOpts = append(authOpts, service.WithTokenVerifier(auth.NewTokenVerifier([]byte(cfg.Auth.JWTSecret))))
	} else {
		logger.Info("auth.jwt_secret not set, bearer JWTs are rejected")
	}
	authSvc := service.NewAuthService(sessions, permissions, logger, authOpts...)

	// ===== Business operations =====
	executor := concurrency.NewExecutor(cfg.Executor.Workers,
		concurrency.WithMaxBacklog(cfg.Executor.MaxBacklog),
		concurrency.WithExecutorLogger(logger),
	)
	defer executor.Close()

	optimize := service.NewOptimizeService(api, authctx.NewResolver(streams), permissions, executor, streams, auditSvc, logger)

	// ===== HTTP =====
	httpadapter.RegisterStateGauges(reg, sessionStore.Size, auditSvc.DroppedRecords, executor.Pending)

	handler := httpadapter.NewHandler(authSvc, optimize, streams).WithAuditLog(auditStore)
	var loginLimiter *memory.LoginLimiter
	if !cfg.Auth.DisableLoginThrottle {
		loginLimiter = memory.NewLoginLimiter(ratelimit.PerMinute(cfg.Auth.LoginRatePerMinute, cfg.Auth.LoginBurst), logger)
		handler.WithLoginLimiter(loginLimiter)
	}
	serverOpts := []httpadapter.Option{
		httpadapter.WithAddr(cfg.Server.HTTPAddr),
		httpadapter.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		httpadapter.WithLogger(logger),
		httpadapter.WithMetrics(reg, metrics),
		httpadapter.WithMCPHandler(mcpadapter.NewServer(optimize, Version, logger)),
		httpadapter.WithHealthChecker(&httpadapter.HealthChecker{
			Sessions:      sessionStore,
			Streams:       streams,
			Audit:         auditSvc,
			AuditCapacity: cfg.Audit.ChannelSize,
			Version:       Version,
		}),
	}
	if cfg.Server.TLS.Enabled() {
		serverOpts = append(serverOpts, httpadapter.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	server := httpadapter.NewServer(handler, serverOpts...)

	logger.Info("sqlgate starting",
		"version", Version,
		"addr", cfg.Server.HTTPAddr,
		"idle_timeout", cfg.Session.IdleTimeout(),
		"max_per_user", cfg.Session.MaxPerUser,
		"rules", len(cfg.Permissions.Rules),
		"executor_workers", executor.NumWorkers(),
		"dev_mode", cfg.DevMode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sessions.RunSweep(gctx, cfg.Session.CleanupInterval())
		return nil
	})
	g.Go(func() error {
		streams.StartProbe(gctx)
		<-gctx.Done()
		streams.Stop()
		return nil
	})
	if loginLimiter != nil {
		g.Go(func() error {
			loginLimiter.RunCleanup(gctx, time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		return server.Start(gctx)
	})
	return g.Wait()
}

// permissionRules converts configured rules to domain rules.
func permissionRules(cfgRules []config.RuleConfig) []permission.Rule {
	rules := make([]permission.Rule, 0, len(cfgRules))
	for _, r := range cfgRules {
		rules = append(rules, permission.Rule{
			Name:      r.Name,
			Condition: r.Condition,
			Effect:    permission.Effect(r.Effect),
		})
	}
	return rules
}

// newTracerProvider returns a stdout span exporter when tracing is
// enabled and a no-op provider otherwise.
func newTracerProvider(cfg *config.Config) (trace.TracerProvider, func(), error) {
	if !cfg.Tracing.Enabled {
		return noop.NewTracerProvider(), func() {}, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
