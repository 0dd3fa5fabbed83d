package service

import (
	"github.com/sqlgate/sqlgate/internal/domain/audit"
	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/stream"
)

// StreamAuditor records stream lifecycle changes as audit events.
type StreamAuditor struct {
	audit *AuditService
}

// NewStreamAuditor returns a stream.Observer writing to a.
func NewStreamAuditor(a *AuditService) *StreamAuditor {
	return &StreamAuditor{audit: a}
}

func (s *StreamAuditor) Opened(c *stream.Connection) {
	s.record(c, audit.EventStreamOpened, audit.OutcomeSuccess, "", nil)
}

func (s *StreamAuditor) Closed(c *stream.Connection, reason string) {
	s.record(c, audit.EventStreamClosed, audit.OutcomeSuccess, reason, nil)
}

func (s *StreamAuditor) SendFailed(c *stream.Connection, event string, _ error) {
	s.record(c, audit.EventStreamClosed, audit.OutcomeFailure, stream.ReasonSendFailed, map[string]string{"event": event})
}

func (s *StreamAuditor) record(c *stream.Connection, event, outcome, reason string, detail map[string]string) {
	rec := audit.AuditRecord{
		Category:  audit.CategoryStream,
		Event:     event,
		Outcome:   outcome,
		SessionID: c.SessionID,
		Reason:    reason,
		Detail:    detail,
	}
	if c.User != nil {
		rec.Email = c.User.Email
		rec.Edition = c.User.Edition
		rec.KeyFingerprint = auth.Fingerprint(c.User.APIKey)
	}
	s.audit.Record(rec)
}

var _ stream.Observer = (*StreamAuditor)(nil)
