// Package stream tracks long-lived server-push connections keyed by
// session id and reaps dead ones with a periodic liveness probe.
package stream

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sqlgate/sqlgate/internal/domain/auth"
	"github.com/sqlgate/sqlgate/internal/domain/authctx"
)

// Event names written by the registry.
const (
	EventConnect   = "connect"
	EventHeartbeat = "heartbeat"
)

// Close reasons.
const (
	ReasonReplaced      = "replaced"
	ReasonSendFailed    = "send_failed"
	ReasonProbeFailed   = "probe_failed"
	ReasonClientGone    = "client_disconnected"
	ReasonSessionEnded  = "session_ended"
	ReasonShutdown      = "shutdown"
	ReasonConnectFailed = "connect_failed"
)

var (
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNoSession is returned by Open for a user without a session id.
	ErrNoSession = errors.New("user has no session id")
)

// Transport is the write side of one push connection. Send must be safe
// for concurrent use. Close must be idempotent and unblock whoever is
// holding the underlying connection open.
type Transport interface {
	Send(event string, payload any) error
	Close()
}

// State is the connection lifecycle state.
type State int32

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateOpen {
		return "OPEN"
	}
	return "CLOSED"
}

// Connection is one registered push connection. CLOSED is terminal.
type Connection struct {
	ID        string
	SessionID string
	User      *auth.User
	CreatedAt time.Time

	transport   Transport
	state       atomic.Int32
	closeReason atomic.Value
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// CloseReason returns why the connection closed, or "".
func (c *Connection) CloseReason() string {
	r, _ := c.closeReason.Load().(string)
	return r
}

// Snapshot returns the identity to bind around work done on behalf of
// this connection.
func (c *Connection) Snapshot() authctx.Snapshot {
	return authctx.SnapshotOf(c.User)
}

func (c *Connection) send(event string, payload any) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	return c.transport.Send(event, payload)
}

// close moves the connection to CLOSED. Only the first call wins.
func (c *Connection) close(reason string) bool {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
		return false
	}
	c.closeReason.Store(reason)
	c.transport.Close()
	return true
}
