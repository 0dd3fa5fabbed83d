package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sqlgate/sqlgate/internal/ctxkey"
	"github.com/sqlgate/sqlgate/internal/domain/audit"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

func TestAuditService_StopFlushesPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memoryAuditStore{}
	svc := NewAuditService(store, testLogger(), WithFlushInterval(time.Hour), WithBatchSize(100))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 5; i++ {
		svc.Record(audit.AuditRecord{Category: audit.CategorySession, Event: audit.EventLogout})
	}
	svc.Stop()
	svc.Stop()

	if got := len(store.events()); got != 5 {
		t.Errorf("records = %d, want 5", got)
	}
	if store.flushed.Load() == 0 {
		t.Error("store was not flushed on Stop")
	}

	// Records after Stop are ignored rather than panicking.
	svc.Record(audit.AuditRecord{Event: audit.EventLogout})
}

func TestAuditService_DropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memoryAuditStore{delay: 50 * time.Millisecond}
	svc := NewAuditService(store, testLogger(),
		WithChannelSize(2),
		WithSendTimeout(0),
		WithBatchSize(1),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 20; i++ {
		svc.Record(audit.AuditRecord{Event: audit.EventLoginFailed})
	}
	if svc.DroppedRecords() == 0 {
		t.Error("DroppedRecords() = 0, want drops with a full buffer")
	}
	svc.Stop()
}

func TestAuditService_RecordUserFingerprintsKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memoryAuditStore{}
	svc := NewAuditService(store, testLogger())
	svc.Start(context.Background())

	ctx := context.WithValue(context.Background(), ctxkey.RequestIDKey{}, "req-9")
	u := &auth.User{SessionID: "s1", Email: "a@x.com", Edition: "cloud", APIKey: "secret-key"}
	svc.RecordUser(ctx, audit.CategoryAuthentication, audit.EventLoginSucceeded, audit.OutcomeSuccess, u, "", nil)
	svc.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	rec := store.records[0]
	if rec.KeyFingerprint != auth.Fingerprint("secret-key") {
		t.Errorf("KeyFingerprint = %q, want fingerprint of key", rec.KeyFingerprint)
	}
	if rec.RequestID != "req-9" {
		t.Errorf("RequestID = %q, want %q", rec.RequestID, "req-9")
	}
	if rec.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestAuditService_NilIsNoop(t *testing.T) {
	t.Parallel()

	var svc *AuditService
	svc.Record(audit.AuditRecord{Event: audit.EventLogout})
	svc.RecordUser(context.Background(), audit.CategorySession, audit.EventLogout, audit.OutcomeSuccess, nil, "", nil)
}
