package broadcast

import (
	"sync"
	"time"
)

// Transport is the write side of one streaming connection
type Transport interface {
	// Send writes one encoded event; an error removes the subscriber
	Send(msg []byte) error
	// OnClose registers fn to run once when the connection goes away
	OnClose(fn func())
	Close() error
}

// closedReporter is implemented by transports that can report a dead
// connection without a write; the liveness sweep uses it
type closedReporter interface {
	Closed() bool
}

// Subscriber metadata
type Subscriber struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Topic     string    `json:"topic"`
	Role      string    `json:"role,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// subscriber owns a bounded queue drained by exactly one writer goroutine,
// which keeps per-subscriber order and never blocks publishers
type subscriber struct {
	meta      Subscriber
	transport Transport
	queue     chan []byte
	done      chan struct{}
	stopOnce  sync.Once
}

func newSubscriber(meta Subscriber, transport Transport, bufferSize int) *subscriber {
	return &subscriber{
		meta:      meta,
		transport: transport,
		queue:     make(chan []byte, bufferSize),
		done:      make(chan struct{}),
	}
}

// enqueue never blocks; false means the queue is full or the subscriber stopped
func (s *subscriber) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) run(onFailure func(error)) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.transport.Send(msg); err != nil {
				onFailure(err)
				return
			}
		}
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		_ = s.transport.Close()
	})
}

func (s *subscriber) transportClosed() bool {
	if cr, ok := s.transport.(closedReporter); ok {
		return cr.Closed()
	}
	return false
}
