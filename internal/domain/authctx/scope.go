package authctx

import (
	"context"
	"sync"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
)

// Scope holds the current user of one execution context. It stores and
// returns copies, so a caller can never mutate another scope's user.
type Scope struct {
	mu   sync.RWMutex
	user *auth.User
}

// NewScope returns a scope bound to a copy of u. A nil u yields an empty scope.
func NewScope(u *auth.User) *Scope {
	return &Scope{user: u.Clone()}
}

// Get returns a copy of the bound user.
func (s *Scope) Get() (*auth.User, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil, false
	}
	return s.user.Clone(), true
}

// Set binds a copy of u.
func (s *Scope) Set(u *auth.User) {
	s.mu.Lock()
	s.user = u.Clone()
	s.mu.Unlock()
}

// Clear removes the binding.
func (s *Scope) Clear() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
}

// swap binds u and returns the previous binding for restore.
func (s *Scope) swap(u *auth.User) *auth.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.user
	s.user = u.Clone()
	return prev
}

func (s *Scope) restore(prev *auth.User) {
	s.mu.Lock()
	s.user = prev
	s.mu.Unlock()
}

type (
	requestKey     struct{}
	taskKey        struct{}
	correlationKey struct{}
)

// BindRequest attaches a request scope bound to u. The returned release
// func clears it and must be called by the code that bound it, when the
// request ends.
func BindRequest(ctx context.Context, u *auth.User) (context.Context, func()) {
	scope := NewScope(u)
	return context.WithValue(ctx, requestKey{}, scope), scope.Clear
}

// WithTaskScope attaches a fresh task scope bound to u.
func WithTaskScope(ctx context.Context, u *auth.User) (context.Context, *Scope) {
	scope := NewScope(u)
	return context.WithValue(ctx, taskKey{}, scope), scope
}

// RequestScope returns the request scope, or nil outside a request.
func RequestScope(ctx context.Context) *Scope {
	s, _ := ctx.Value(requestKey{}).(*Scope)
	return s
}

// TaskScope returns the task scope, or nil.
func TaskScope(ctx context.Context) *Scope {
	s, _ := ctx.Value(taskKey{}).(*Scope)
	return s
}

// Current returns the user bound to the request scope, else the task
// scope. It never fails; absence is reported through ok.
func Current(ctx context.Context) (*auth.User, bool) {
	if u, ok := RequestScope(ctx).Get(); ok {
		return u, true
	}
	return TaskScope(ctx).Get()
}

// Set binds u on the innermost scope. It reports false when ctx carries
// no scope at all.
func Set(ctx context.Context, u *auth.User) bool {
	scope := innermost(ctx)
	if scope == nil {
		return false
	}
	scope.Set(u)
	return true
}

// Clear removes the binding from the innermost scope.
func Clear(ctx context.Context) bool {
	scope := innermost(ctx)
	if scope == nil {
		return false
	}
	scope.Clear()
	return true
}

// WithUser binds u for the duration of body and restores the previous
// binding on every exit path, panics included. When ctx has no scope a
// task scope is created for body.
func WithUser(ctx context.Context, u *auth.User, body func(ctx context.Context)) {
	_, _ = Call(ctx, u, func(ctx context.Context) (struct{}, error) {
		body(ctx)
		return struct{}{}, nil
	})
}

// Call is WithUser for bodies that return a value.
func Call[T any](ctx context.Context, u *auth.User, body func(ctx context.Context) (T, error)) (T, error) {
	scope := innermost(ctx)
	if scope == nil {
		ctx, scope = WithTaskScope(ctx, nil)
	}
	prev := scope.swap(u)
	defer scope.restore(prev)
	return body(ctx)
}

// WithCorrelationID tags ctx with the id deferred work uses to find its
// owner in the correlation registry. The stream session id is used.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func innermost(ctx context.Context) *Scope {
	if s := RequestScope(ctx); s != nil {
		return s
	}
	return TaskScope(ctx)
}
