// Package concurrency provides the fixed-size worker pool that runs
// deferred business work outside request goroutines.
package concurrency

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/eapache/queue"

	"github.com/sqlgate/sqlgate/internal/domain/authctx"
)

var (
	// ErrExecutorClosed is returned by Submit after Close.
	ErrExecutorClosed = errors.New("executor closed")
	// ErrBacklogFull is returned when the backlog is at capacity.
	ErrBacklogFull = errors.New("executor backlog full")
)

// DefaultMaxBacklog bounds queued tasks.
const DefaultMaxBacklog = 1024

type task struct {
	snap authctx.Snapshot
	fn   func(ctx context.Context)
}

// Executor runs submitted tasks on a fixed set of long-lived workers.
// Each worker owns one task scope for its whole life, the way a pooled
// thread owns its thread-local slot. Every task binds its captured
// identity on that scope and the worker clears it afterwards, so a reused
// worker never carries one task's user into the next.
type Executor struct {
	mu         sync.Mutex
	cond       *sync.Cond
	backlog    *queue.Queue
	maxBacklog int
	closed     bool
	wg         sync.WaitGroup
	logger     *slog.Logger
	numWorkers int
}

// ExecutorOption configures Executor.
type ExecutorOption func(*Executor)

// WithMaxBacklog bounds the number of queued tasks.
func WithMaxBacklog(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxBacklog = n
		}
	}
}

// WithExecutorLogger sets the logger used for task panics.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor starts numWorkers workers (NumCPU when <= 0).
func NewExecutor(numWorkers int, opts ...ExecutorOption) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	e := &Executor{
		backlog:    queue.New(),
		maxBacklog: DefaultMaxBacklog,
		logger:     slog.Default(),
		numWorkers: numWorkers,
	}
	e.cond = sync.NewCond(&e.mu)
	for _, opt := range opts {
		opt(e)
	}

	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.run(i)
	}
	return e
}

// Submit queues fn. The current user of ctx is captured now and bound
// when fn runs; fn receives a context carrying only that binding, detached
// from ctx's cancellation.
func (e *Executor) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	return e.SubmitSnapshot(authctx.Capture(ctx), fn)
}

// SubmitSnapshot queues fn bound to an explicit snapshot.
func (e *Executor) SubmitSnapshot(snap authctx.Snapshot, fn func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrExecutorClosed
	}
	if e.backlog.Length() >= e.maxBacklog {
		return ErrBacklogFull
	}
	e.backlog.Add(task{snap: snap, fn: fn})
	e.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backlog.Length()
}

// NumWorkers returns the worker count.
func (e *Executor) NumWorkers() int {
	return e.numWorkers
}

// Close stops accepting tasks, lets workers drain the backlog and waits
// for them to exit. Safe to call multiple times.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) run(id int) {
	defer e.wg.Done()

	ctx, scope := authctx.WithTaskScope(context.Background(), nil)
	for {
		t, ok := e.next()
		if !ok {
			return
		}
		e.safeExecute(ctx, id, t)
		scope.Clear()
	}
}

func (e *Executor) next() (task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.backlog.Length() == 0 {
		if e.closed {
			return task{}, false
		}
		e.cond.Wait()
	}
	return e.backlog.Remove().(task), true
}

func (e *Executor) safeExecute(ctx context.Context, id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor task panicked", "worker", id, "panic", r)
		}
	}()
	t.snap.Run(ctx, t.fn)
}
