package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sqlgate/sqlgate/internal/ctxkey"
	"github.com/sqlgate/sqlgate/internal/domain/audit"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

// AuditService provides async audit logging with a buffered channel and a
// background worker. Callers never wait on the store.
type AuditService struct {
	store         audit.AuditStore
	auditChan     chan audit.AuditRecord
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration
	dropCount   atomic.Int64

	warningThreshold int          // percent of capacity
	lastWarning      atomic.Int64 // unix nanos

	// mu guards closed so Record never sends on a closed channel.
	mu     sync.RWMutex
	closed bool
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of records to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets the interval to flush pending records.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the size of the audit channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.auditChan = make(chan audit.AuditRecord, size)
			s.channelSize = size
		}
	}
}

// WithSendTimeout sets the backpressure timeout.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithAuditClock overrides time.Now for record timestamps.
func WithAuditClock(now func() time.Time) AuditOption {
	return func(s *AuditService) {
		s.now = now
	}
}

// NewAuditService creates a new AuditService with the given store and options.
func NewAuditService(store audit.AuditStore, logger *slog.Logger, opts ...AuditOption) *AuditService {
	const defaultChannelSize = 1000
	s := &AuditService{
		store:            store,
		auditChan:        make(chan audit.AuditRecord, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		now:              time.Now,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker that batches and writes audit records.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record queues a record. If the buffer stays full past sendTimeout the
// record is dropped and counted.
func (s *AuditService) Record(record audit.AuditRecord) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now().UTC()
	}

	if s.warningThreshold > 0 {
		depth := len(s.auditChan)
		if depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.auditChan <- record:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(record)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.auditChan <- record:
	case <-timer.C:
		s.recordDrop(record)
	}
}

// RecordUser fills the identity and request fields from u and ctx.
func (s *AuditService) RecordUser(ctx context.Context, category audit.Category, event, outcome string, u *auth.User, reason string, detail map[string]string) {
	if s == nil {
		return
	}
	rec := audit.AuditRecord{
		Category: category,
		Event:    event,
		Outcome:  outcome,
		Reason:   reason,
		Detail:   detail,
	}
	if u != nil {
		rec.SessionID = u.SessionID
		rec.Email = u.Email
		rec.Edition = u.Edition
		if u.APIKey != "" {
			rec.KeyFingerprint = auth.Fingerprint(u.APIKey)
		}
	}
	rec.RequestID = requestID(ctx)
	s.Record(rec)
}

func (s *AuditService) recordDrop(record audit.AuditRecord) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit record dropped",
		"event", record.Event,
		"session", record.SessionID,
		"total_drops", drops,
	)
}

// warnChannelDepth logs at most once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns total dropped records.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage.
func (s *AuditService) ChannelDepth() int {
	return len(s.auditChan)
}

// Stop flushes pending records and waits for the worker to exit.
// Safe to call multiple times.
func (s *AuditService) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.auditChan)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.AuditRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case record, ok := <-s.auditChan:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, record)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Stop closes the channel; keep draining until then.
			for record := range s.auditChan {
				batch = append(batch, record)
			}
			s.finalFlush(batch)
			return
		}
	}
}

func (s *AuditService) finalFlush(batch []audit.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if len(batch) > 0 {
		s.flush(ctx, batch)
	}
	if err := s.store.Flush(ctx); err != nil {
		s.logger.Warn("audit store flush failed", "error", err)
	}
}

// flush writes a batch. Errors are logged, never propagated to callers.
func (s *AuditService) flush(ctx context.Context, batch []audit.AuditRecord) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	return id
}
