// Package authctx carries the current user through every execution model
// the broker uses: synchronous request handling, goroutines spawned for
// background work, and deferred work that runs later on an unrelated
// goroutine (executor tasks, stream callbacks).
//
// Go has no goroutine-local storage, so each carrier is a value reachable
// from a context.Context:
//
//   - Request scope: a mutable *Scope attached by HTTP middleware with
//     BindRequest and cleared by the same middleware when the request ends.
//   - Task scope: a mutable *Scope owned by one unit of background work.
//     Fork and Go give the child a snapshot copy of the parent's current
//     user; after that the two scopes are independent.
//   - Snapshot: an immutable capture taken with Capture at the moment work
//     is deferred. Snapshot.Run binds it immediately before the deferred
//     body and restores the previous binding immediately after, on any
//     goroutine and through any number of chained deferrals.
//
// Business code reads the user through a Resolver, which checks the
// request scope, then the task scope, then a correlation-id registry (the
// stream registry, keyed by session id), and otherwise fails with
// auth.ErrUnauthenticated. It never falls back to an anonymous or shared
// identity.
package authctx
