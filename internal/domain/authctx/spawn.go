package authctx

import "context"

// Fork returns a child context for a new unit of work. The child gets its
// own task scope holding a copy of the parent's current user; the parent's
// request scope is hidden from it. Mutations on either side are invisible
// to the other.
func Fork(ctx context.Context) context.Context {
	u, _ := Current(ctx)
	ctx = context.WithValue(ctx, requestKey{}, (*Scope)(nil))
	ctx, _ = WithTaskScope(ctx, u)
	return ctx
}

// Go runs fn on a new goroutine with a forked context that is detached
// from the parent's cancellation, so background work outlives the request
// that started it.
func Go(ctx context.Context, fn func(ctx context.Context)) {
	child := Fork(context.WithoutCancel(ctx))
	go fn(child)
}
