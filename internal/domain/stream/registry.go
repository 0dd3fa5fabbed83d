package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/authctx"
)

// DefaultProbeInterval is how often open connections are probed.
const DefaultProbeInterval = 60 * time.Second

// Observer is notified of connection lifecycle changes. Implementations
// must not block.
type Observer interface {
	Opened(c *Connection)
	Closed(c *Connection, reason string)
	SendFailed(c *Connection, event string, err error)
}

// Registry holds at most one open connection per session id. A new Open
// for a session replaces and closes the previous handle.
type Registry struct {
	mu            sync.RWMutex
	conns         map[string]*Connection
	probeInterval time.Duration
	logger        *slog.Logger
	observer      Observer
	live          LivenessFunc
	now           func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// LivenessFunc reports whether the session behind a connection still
// exists.
type LivenessFunc func(ctx context.Context, sessionID string) bool

// RegistryOption configures Registry.
type RegistryOption func(*Registry)

// WithProbeInterval sets the liveness probe interval.
func WithProbeInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.probeInterval = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = o
	}
}

// WithLiveness makes Lookup check the backing session before resolving a
// connection. A connection whose session is gone is closed with
// ReasonSessionEnded.
func WithLiveness(f LivenessFunc) RegistryOption {
	return func(r *Registry) {
		r.live = f
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:         make(map[string]*Connection),
		probeInterval: DefaultProbeInterval,
		logger:        slog.Default(),
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open registers t for the user's session and sends the connect event.
// A previous handle for the same session is closed.
func (r *Registry) Open(ctx context.Context, u *auth.User, t Transport) (*Connection, error) {
	if u == nil || u.SessionID == "" {
		return nil, ErrNoSession
	}

	c := &Connection{
		ID:        uuid.NewString(),
		SessionID: u.SessionID,
		User:      u.Clone(),
		CreatedAt: r.now().UTC(),
		transport: t,
	}

	r.mu.Lock()
	prev := r.conns[c.SessionID]
	r.conns[c.SessionID] = c
	r.mu.Unlock()

	if prev != nil {
		r.closeConn(prev, ReasonReplaced)
	}
	r.logger.Info("stream opened", "session_id", c.SessionID, "connection_id", c.ID)
	if r.observer != nil {
		r.observer.Opened(c)
	}

	ack := map[string]string{
		"message": "Connected to SQLGate",
		"email":   u.Email,
		"edition": u.Edition,
	}
	if err := c.send(EventConnect, ack); err != nil {
		r.Release(c, ReasonConnectFailed)
		return nil, fmt.Errorf("failed to send connect event: %w", err)
	}
	return c, nil
}

// Send writes an event to the session's open connection. It returns false
// when there is none or the write fails; a failed handle is removed.
func (r *Registry) Send(sessionID, event string, payload any) bool {
	r.mu.RLock()
	c := r.conns[sessionID]
	r.mu.RUnlock()
	if c == nil {
		return false
	}

	if err := c.send(event, payload); err != nil {
		r.logger.Warn("stream send failed", "session_id", sessionID, "event", event, "error", err)
		if r.observer != nil {
			r.observer.SendFailed(c, event, err)
		}
		r.Release(c, ReasonSendFailed)
		return false
	}
	return true
}

// Close removes and closes the session's connection.
func (r *Registry) Close(sessionID, reason string) bool {
	r.mu.Lock()
	c := r.conns[sessionID]
	delete(r.conns, sessionID)
	r.mu.Unlock()
	if c == nil {
		return false
	}
	return r.closeConn(c, reason)
}

// Release closes c and unregisters it only if it is still the session's
// current handle, so a replaced handle never removes its successor.
func (r *Registry) Release(c *Connection, reason string) {
	r.mu.Lock()
	if r.conns[c.SessionID] == c {
		delete(r.conns, c.SessionID)
	}
	r.mu.Unlock()
	r.closeConn(c, reason)
}

// Lookup resolves a session id to the user of its open connection. It is
// the correlation registry used as the last resolution fallback.
func (r *Registry) Lookup(ctx context.Context, sessionID string) (*auth.User, bool) {
	r.mu.RLock()
	c := r.conns[sessionID]
	r.mu.RUnlock()
	if c == nil || c.State() != StateOpen {
		return nil, false
	}
	if r.live != nil && !r.live(ctx, sessionID) {
		r.Release(c, ReasonSessionEnded)
		return nil, false
	}
	return c.User.Clone(), true
}

// Get returns the session's open connection, or nil.
func (r *Registry) Get(sessionID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[sessionID]
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// StartProbe starts the background liveness sweep.
// Call Stop() to stop it gracefully.
func (r *Registry) StartProbe(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.probe()
			}
		}
	}()
}

// probe writes a heartbeat to every open connection. A failed write is
// proof the peer is gone.
func (r *Registry) probe() int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	payload := map[string]string{"time": r.now().UTC().Format(time.RFC3339)}
	reaped := 0
	for _, c := range conns {
		if err := c.send(EventHeartbeat, payload); err != nil {
			r.Release(c, ReasonProbeFailed)
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.Debug("reaped dead streams", "count", reaped)
	}
	return reaped
}

// Stop stops the liveness sweep and waits for it to exit.
// Safe to call multiple times.
func (r *Registry) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// CloseAll closes every connection, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		r.closeConn(c, reason)
	}
}

func (r *Registry) closeConn(c *Connection, reason string) bool {
	if !c.close(reason) {
		return false
	}
	r.logger.Info("stream closed", "session_id", c.SessionID, "connection_id", c.ID, "reason", reason)
	if r.observer != nil {
		r.observer.Closed(c, reason)
	}
	return true
}

var _ authctx.Registry = (*Registry)(nil)

// Observers fans lifecycle notifications out to several observers.
type Observers []Observer

func (o Observers) Opened(c *Connection) {
	for _, ob := range o {
		ob.Opened(c)
	}
}

func (o Observers) Closed(c *Connection, reason string) {
	for _, ob := range o {
		ob.Closed(c, reason)
	}
}

func (o Observers) SendFailed(c *Connection, event string, err error) {
	for _, ob := range o {
		ob.SendFailed(c, event, err)
	}
}
