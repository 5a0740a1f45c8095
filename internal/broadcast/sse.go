package broadcast

import (
	"net/http"
	"sync"

	coreerrors "tenantgate/internal/core/errors"
)

// SSETransport streams events as text/event-stream frames over one HTTP
// response. The handler must block on Done until the client leaves.
type SSETransport struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	once    sync.Once
	onClose []func()
}

// NewSSETransport writes the stream headers and ties the transport to the
// request context
func NewSSETransport(w http.ResponseWriter, r *http.Request) (*SSETransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, coreerrors.New(coreerrors.CodeUnavailable, "streaming not supported by response writer")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	t := &SSETransport{w: w, flusher: flusher, done: make(chan struct{})}
	go func() {
		select {
		case <-r.Context().Done():
			_ = t.Close()
		case <-t.done:
		}
	}()
	return t, nil
}

// Send writes one "data:" frame and flushes it
func (t *SSETransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return coreerrors.ErrResourceClosed
	}
	if _, err := t.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := t.w.Write(msg); err != nil {
		return err
	}
	if _, err := t.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// OnClose registers fn; it runs immediately when the transport is already closed
func (t *SSETransport) OnClose(fn func()) {
	t.mu.Lock()
	if !t.closed {
		t.onClose = append(t.onClose, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

// Close stops further writes; an in-flight Send finishes first
func (t *SSETransport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		callbacks := t.onClose
		t.onClose = nil
		t.mu.Unlock()

		close(t.done)
		for _, fn := range callbacks {
			fn()
		}
	})
	return nil
}

// Closed reports whether the stream has ended
func (t *SSETransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Done is closed once the stream has ended
func (t *SSETransport) Done() <-chan struct{} {
	return t.done
}
