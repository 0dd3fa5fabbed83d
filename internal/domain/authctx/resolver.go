package authctx

import (
	"context"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

// Registry resolves a correlation id to the user that owns it. It is the
// last step of the fallback chain, never the primary binding.
type Registry interface {
	Lookup(ctx context.Context, correlationID string) (*auth.User, bool)
}

// Resolver answers "who is the current user" for business code.
type Resolver struct {
	registry Registry
}

// NewResolver creates a resolver. registry may be nil.
func NewResolver(registry Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Current walks request scope, task scope, then the correlation registry.
func (r *Resolver) Current(ctx context.Context) (*auth.User, bool) {
	if u, ok := RequestScope(ctx).Get(); ok {
		return u, true
	}
	if u, ok := TaskScope(ctx).Get(); ok {
		return u, true
	}
	if r == nil || r.registry == nil {
		return nil, false
	}
	id := CorrelationID(ctx)
	if id == "" {
		return nil, false
	}
	return r.registry.Lookup(ctx, id)
}

// Require returns the current user or auth.ErrUnauthenticated.
func (r *Resolver) Require(ctx context.Context) (*auth.User, error) {
	u, ok := r.Current(ctx)
	if !ok || u.APIKey == "" {
		return nil, auth.ErrUnauthenticated
	}
	return u, nil
}
