package audit

import "context"

// AuditStore persists audit records.
// Implementations handle batching and async writes.
type AuditStore interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...AuditRecord) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}
