// Package audit writes audit records as JSON lines through a zap core,
// either to stdout or to daily files with retention cleanup, and keeps a
// ring buffer of recent entries.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sqlgate/sqlgate/internal/domain/audit"
)

const (
	// DefaultRetentionDays is how long daily audit files are kept.
	DefaultRetentionDays = 7
	// DefaultCacheSize is the number of recent records kept in memory.
	DefaultCacheSize = 1000

	fileScheme = "file://"
	dateLayout = "2006-01-02"
)

// auditFilePattern matches audit-YYYY-MM-DD.log.
var auditFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})\.log$`)

// Config configures the audit store.
type Config struct {
	// Output is "stdout" or "file:///path/to/dir".
	Output string
	// RetentionDays applies to file output only.
	RetentionDays int
	// CacheSize is the ring buffer capacity.
	CacheSize int
}

// Store implements audit.AuditStore.
type Store struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	currentDate   string
	file          *os.File
	sink          io.Writer
	zl            *zap.Logger
	cache         *auditCache
	logger        *slog.Logger
	now           func() time.Time
	closed        bool
}

// NewStore creates an audit store for cfg.Output.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	s := &Store{
		retentionDays: cfg.RetentionDays,
		cache:         newAuditCache(cfg.CacheSize),
		logger:        logger,
		now:           time.Now,
	}

	switch {
	case cfg.Output == "" || cfg.Output == "stdout":
		s.attach(os.Stdout)
	case strings.HasPrefix(cfg.Output, fileScheme):
		s.dir = strings.TrimPrefix(cfg.Output, fileScheme)
		if s.dir == "" {
			return nil, fmt.Errorf("audit output %q has no path", cfg.Output)
		}
		if err := os.MkdirAll(s.dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
		if err := s.openDay(s.now().UTC().Format(dateLayout)); err != nil {
			return nil, err
		}
		s.runCleanup()
	default:
		return nil, fmt.Errorf("unsupported audit output %q", cfg.Output)
	}
	return s, nil
}

// NewWriterStore writes records to w. Used for tests and embedding.
func NewWriterStore(w io.Writer, cacheSize int, logger *slog.Logger) *Store {
	s := &Store{cache: newAuditCache(cacheSize), logger: logger, now: time.Now}
	s.attach(w)
	return s
}

func (s *Store) attach(w io.Writer) {
	encCfg := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), zapcore.InfoLevel)
	s.sink = w
	s.zl = zap.New(core)
}

// Append writes each record as one JSON line.
func (s *Store) Append(_ context.Context, records ...audit.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("audit store closed")
	}

	for _, rec := range records {
		if s.dir != "" {
			if day := rec.Timestamp.UTC().Format(dateLayout); day != s.currentDate {
				if err := s.rotateLocked(day); err != nil {
					return fmt.Errorf("date rotation: %w", err)
				}
			}
		}
		s.zl.Info("audit", recordFields(rec)...)
		s.cache.Add(rec)
	}
	return nil
}

func recordFields(rec audit.AuditRecord) []zap.Field {
	fields := []zap.Field{
		zap.Time("timestamp", rec.Timestamp.UTC()),
		zap.String("category", string(rec.Category)),
		zap.String("event", rec.Event),
	}
	optional := []struct{ key, val string }{
		{"outcome", rec.Outcome},
		{"session_id", rec.SessionID},
		{"email", rec.Email},
		{"edition", rec.Edition},
		{"key_fingerprint", rec.KeyFingerprint},
		{"request_id", rec.RequestID},
		{"remote_addr", rec.RemoteAddr},
		{"reason", rec.Reason},
	}
	for _, f := range optional {
		if f.val != "" {
			fields = append(fields, zap.String(f.key, f.val))
		}
	}
	if rec.LatencyMicros > 0 {
		fields = append(fields, zap.Int64("latency_us", rec.LatencyMicros))
	}
	if len(rec.Detail) > 0 {
		fields = append(fields, zap.Any("detail", rec.Detail))
	}
	return fields
}

// Flush syncs the zap core.
func (s *Store) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

func (s *Store) syncLocked() error {
	if s.zl == nil {
		return nil
	}
	err := s.zl.Sync()
	// Syncing a terminal or pipe reports EINVAL; only files matter.
	if s.file == nil {
		return nil
	}
	return err
}

// Close flushes and releases the current file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.syncLocked()
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// Recent returns the last n records, newest first.
func (s *Store) Recent(n int) []audit.AuditRecord {
	return s.cache.Recent(n)
}

func (s *Store) openDay(day string) error {
	path := filepath.Join(s.dir, "audit-"+day+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	s.file = f
	s.currentDate = day
	s.attach(f)
	return nil
}

func (s *Store) rotateLocked(day string) error {
	if err := s.syncLocked(); err != nil {
		s.logger.Warn("audit sync before rotation failed", "error", err)
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := s.openDay(day); err != nil {
		return err
	}
	s.runCleanup()
	return nil
}

// runCleanup deletes daily files older than the retention window.
func (s *Store) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("audit retention scan failed", "error", err)
		return
	}
	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays).Format(dateLayout)

	var stale []string
	for _, e := range entries {
		m := auditFilePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] == s.currentDate {
			continue
		}
		if m[1] < cutoff {
			stale = append(stale, e.Name())
		}
	}
	slices.Sort(stale)
	for _, name := range stale {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("failed to remove old audit file", "file", name, "error", err)
			continue
		}
		s.logger.Debug("removed old audit file", "file", name)
	}
}

// Compile-time interface verification.
var _ audit.AuditStore = (*Store)(nil)

// auditCache is a ring buffer of recent audit records.
type auditCache struct {
	entries []audit.AuditRecord
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newAuditCache(size int) *auditCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &auditCache{
		entries: make([]audit.AuditRecord, size),
		size:    size,
	}
}

// Add overwrites the oldest entry once full.
func (c *auditCache) Add(rec audit.AuditRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = rec
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Recent returns the last n entries, newest first.
func (c *auditCache) Recent(n int) []audit.AuditRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}

	result := make([]audit.AuditRecord, n)
	for i := 0; i < n; i++ {
		idx := (c.head - 1 - i + c.size) % c.size
		result[i] = c.entries[idx]
	}
	return result
}
