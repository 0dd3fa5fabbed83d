package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sqlgate/sqlgate/internal/domain/ratelimit"
)

// LoginLimiter throttles login attempts per key with GCRA. Each key
// keeps only its theoretical arrival time.
type LoginLimiter struct {
	cfg ratelimit.Config

	mu    sync.Mutex
	cells map[string]time.Time

	now    func() time.Time
	logger *slog.Logger
}

// NewLoginLimiter creates a limiter enforcing cfg for every key.
// Non-positive Rate or Burst fall back to 1 and Rate respectively.
func NewLoginLimiter(cfg ratelimit.Config, logger *slog.Logger) *LoginLimiter {
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Rate
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginLimiter{
		cfg:    cfg,
		cells:  make(map[string]time.Time),
		now:    time.Now,
		logger: logger,
	}
}

// Allow records one attempt for key and reports whether it may proceed.
func (l *LoginLimiter) Allow(_ context.Context, key string) (ratelimit.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	emission := l.cfg.Period / time.Duration(l.cfg.Rate)
	window := time.Duration(l.cfg.Burst) * emission

	tat, ok := l.cells[key]
	if !ok || tat.Before(now) {
		tat = now
	}

	// The attempt conforms while tat stays within the burst window.
	next := tat.Add(emission)
	if next.Sub(now) > window {
		return ratelimit.Result{RetryAfter: next.Sub(now) - window}, nil
	}
	l.cells[key] = next

	remaining := int((window - next.Sub(now)) / emission)
	return ratelimit.Result{Allowed: true, Remaining: remaining}, nil
}

// Cleanup drops keys whose budget has fully recovered and returns how
// many were removed.
func (l *LoginLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, tat := range l.cells {
		if !tat.After(now) {
			delete(l.cells, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("login limiter cleanup", "removed", removed, "remaining", len(l.cells))
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (l *LoginLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Size returns the number of tracked keys.
func (l *LoginLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cells)
}

var _ ratelimit.Limiter = (*LoginLimiter)(nil)
