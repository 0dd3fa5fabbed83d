package authctx

import (
	"context"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

// Snapshot is the identity captured when work is deferred.
type Snapshot struct {
	user          *auth.User
	correlationID string
}

// Capture records the current user and correlation id of ctx.
func Capture(ctx context.Context) Snapshot {
	u, _ := Current(ctx)
	return Snapshot{user: u, correlationID: CorrelationID(ctx)}
}

// SnapshotOf builds a snapshot for a known user, for work deferred outside
// any bound context.
func SnapshotOf(u *auth.User) Snapshot {
	var id string
	if u != nil {
		id = u.SessionID
	}
	return Snapshot{user: u.Clone(), correlationID: id}
}

// User returns a copy of the captured user.
func (s Snapshot) User() (*auth.User, bool) {
	if s.user == nil {
		return nil, false
	}
	return s.user.Clone(), true
}

// Run binds the snapshot on the innermost scope of ctx (or a new task
// scope) for the duration of fn and restores the previous binding after.
// An empty snapshot binds "no user", so fn cannot observe whatever the
// executing goroutine had bound before.
func (s Snapshot) Run(ctx context.Context, fn func(ctx context.Context)) {
	if s.correlationID != "" {
		ctx = WithCorrelationID(ctx, s.correlationID)
	}
	WithUser(ctx, s.user, fn)
}

// Wrap returns fn bound to the snapshot, ready to hand to a queue or a
// callback registry.
func (s Snapshot) Wrap(fn func(ctx context.Context)) func(ctx context.Context) {
	return func(ctx context.Context) {
		s.Run(ctx, fn)
	}
}
