// Package config provides configuration types for SQLGate.
//
// Configuration is file based (sqlgate.yaml) with environment overrides
// (SQLGATE_ prefix). Sessions are held in memory only; restarting the
// server logs every user out.
package config

import "time"

// Config is the top-level SQLGate configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Session configures session lifetime and per-user limits.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Stream configures the SSE connection registry.
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`

	// Upstream configures calls to the SQL-optimization API.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Auth configures bearer token verification.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Permissions assigns roles and extra rules.
	Permissions PermissionsConfig `yaml:"permissions" mapstructure:"permissions"`

	// Audit configures where audit records are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Executor sizes the worker pool for deferred work.
	Executor ExecutorConfig `yaml:"executor" mapstructure:"executor"`

	// Tracing enables OpenTelemetry spans for upstream calls.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables development features (debug logging, permissive origins).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on.
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"hostname_port"`
	// LogLevel is one of debug, info, warn, error.
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// AllowedOrigins lists browser origins allowed to call the API.
	// Empty blocks every request carrying an Origin header.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,url"`
	// TLS enables HTTPS when both files are set.
	TLS TLSConfig `yaml:"tls" mapstructure:"tls"`
}

// TLSConfig names the certificate and key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file" validate:"required_with=CertFile"`
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// SessionConfig configures session lifetime.
type SessionConfig struct {
	// IdleTimeoutHours expires sessions idle for this long. Default: 24.
	IdleTimeoutHours int `yaml:"idle_timeout_hours" mapstructure:"idle_timeout_hours" validate:"min=1"`
	// CleanupIntervalMinutes is the expired-session sweep period. Default: 60.
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes" mapstructure:"cleanup_interval_minutes" validate:"min=1"`
	// MaxPerUser caps sessions per email; the least recently used is
	// evicted. Default: 5.
	MaxPerUser int `yaml:"max_per_user" mapstructure:"max_per_user" validate:"min=1"`
}

// IdleTimeout returns the idle expiry as a duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutHours) * time.Hour
}

// CleanupInterval returns the sweep period as a duration.
func (s SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMinutes) * time.Minute
}

// StreamConfig configures the stream registry.
type StreamConfig struct {
	// ProbeIntervalSeconds is the heartbeat period. Default: 60.
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds" mapstructure:"probe_interval_seconds" validate:"min=1"`
}

// ProbeInterval returns the heartbeat period as a duration.
func (s StreamConfig) ProbeInterval() time.Duration {
	return time.Duration(s.ProbeIntervalSeconds) * time.Second
}

// UpstreamConfig configures the optimization API client.
type UpstreamConfig struct {
	// HTTPTimeout bounds every upstream call (e.g. "30s").
	// Defaults to "30s" if not specified.
	HTTPTimeout string `yaml:"http_timeout" mapstructure:"http_timeout" validate:"duration"`
}

// Timeout parses HTTPTimeout. Invalid values were rejected by Validate.
func (u UpstreamConfig) Timeout() time.Duration {
	d, _ := time.ParseDuration(u.HTTPTimeout)
	return d
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret. Bearer JWTs are rejected when
	// empty; bearer session ids keep working.
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret" validate:"omitempty,min=32"`

	// LoginRatePerMinute caps login attempts per client address.
	LoginRatePerMinute int `yaml:"login_rate_per_minute" mapstructure:"login_rate_per_minute" validate:"min=0"`

	// LoginBurst is the number of attempts allowed back to back.
	LoginBurst int `yaml:"login_burst" mapstructure:"login_burst" validate:"min=0"`

	// DisableLoginThrottle turns off per-address login throttling.
	DisableLoginThrottle bool `yaml:"disable_login_throttle" mapstructure:"disable_login_throttle"`
}

// PermissionsConfig assigns roles by email and adds ordered rules.
type PermissionsConfig struct {
	Admins   []string     `yaml:"admins" mapstructure:"admins"`
	ReadOnly []string     `yaml:"read_only" mapstructure:"read_only"`
	Rules    []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// RuleConfig is one permission rule. The first rule whose condition
// matches decides.
type RuleConfig struct {
	// Name identifies the rule in logs and audit records.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// Condition is a CEL expression over email, edition, role, base_url,
	// resource, action and request_time.
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`
	// Effect is "allow" or "deny".
	Effect string `yaml:"effect" mapstructure:"effect" validate:"required,oneof=allow deny"`
}

// AuditConfig configures audit output and buffering.
type AuditConfig struct {
	// Output is "stdout" or "file://<absolute-dir>".
	// Defaults to "stdout" if empty.
	Output string `yaml:"output" mapstructure:"output" validate:"audit_output"`
	// ChannelSize is the record buffer. Defaults to 1000 if 0.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"min=0"`
	// BatchSize is the maximum records per write. Defaults to 100 if 0.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"min=0"`
	// FlushInterval is the maximum delay before a partial batch is written.
	// Defaults to "1s" if not specified.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"duration"`
	// SendTimeout is how long Record waits on a full buffer before dropping.
	// Defaults to "100ms" if not specified.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"duration"`
	// RetentionDays removes older daily files. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"min=0"`
	// CacheSize is the number of recent records kept in memory. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"min=0"`
}

// ExecutorConfig sizes the background worker pool.
type ExecutorConfig struct {
	// Workers defaults to the number of CPUs when 0.
	Workers int `yaml:"workers" mapstructure:"workers" validate:"min=0"`
	// MaxBacklog bounds queued tasks. Defaults to 1024.
	MaxBacklog int `yaml:"max_backlog" mapstructure:"max_backlog" validate:"min=0"`
}

// TracingConfig toggles span export.
type TracingConfig struct {
	// Enabled exports spans to stdout.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDevDefaults applies permissive defaults for development mode.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Session.IdleTimeoutHours == 0 {
		c.Session.IdleTimeoutHours = 24
	}
	if c.Session.CleanupIntervalMinutes == 0 {
		c.Session.CleanupIntervalMinutes = 60
	}
	if c.Session.MaxPerUser == 0 {
		c.Session.MaxPerUser = 5
	}

	if c.Stream.ProbeIntervalSeconds == 0 {
		c.Stream.ProbeIntervalSeconds = 60
	}

	if c.Upstream.HTTPTimeout == "" {
		c.Upstream.HTTPTimeout = "30s"
	}

	if c.Auth.LoginRatePerMinute == 0 {
		c.Auth.LoginRatePerMinute = 20
	}
	if c.Auth.LoginBurst == 0 {
		c.Auth.LoginBurst = 5
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.CacheSize == 0 {
		c.Audit.CacheSize = 1000
	}

	if c.Executor.MaxBacklog == 0 {
		c.Executor.MaxBacklog = 1024
	}
}

// durationOr parses s, falling back to def when s is invalid.
func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// AuditFlushInterval returns the parsed flush interval.
func (a AuditConfig) AuditFlushInterval() time.Duration {
	return durationOr(a.FlushInterval, time.Second)
}

// AuditSendTimeout returns the parsed send timeout.
func (a AuditConfig) AuditSendTimeout() time.Duration {
	return durationOr(a.SendTimeout, 100*time.Millisecond)
}
