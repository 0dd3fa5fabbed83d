package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/sqlgate/sqlgate/internal/domain/stream"
)

// sseTransport writes Server-Sent Events to one response. The first event
// commits the 200 and the event-stream headers. Writes are serialized;
// after Close no further write touches the response.
type sseTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	closed  bool
	done    chan struct{}
	once    sync.Once
}

func newSSETransport(w http.ResponseWriter, f http.Flusher) *sseTransport {
	return &sseTransport{w: w, flusher: f, done: make(chan struct{})}
}

// Send writes one event frame and flushes it.
func (t *sseTransport) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return stream.ErrConnectionClosed
	}
	if !t.started {
		h := t.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		t.w.WriteHeader(http.StatusOK)
		t.started = true
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// committed reports whether the response status has been written.
func (t *sseTransport) committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Close ends the stream. The handler returns once done is closed.
func (t *sseTransport) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
}

var _ stream.Transport = (*sseTransport)(nil)
