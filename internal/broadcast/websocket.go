package broadcast

import (
	"sync"
	"time"

	coreerrors "tenantgate/internal/core/errors"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 4096
)

// WebSocketTransport 将事件以文本帧写入 WebSocket 连接
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	onClose   []func()
}

// NewWebSocketTransport starts the read pump, which answers pings and
// notices the client going away, and the ping loop
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn, done: make(chan struct{})}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go t.readPump()
	go t.pingLoop()
	return t
}

// readPump 客户端消息被丢弃，仅用于检测断开
func (t *WebSocketTransport) readPump() {
	defer t.Close()
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			t.writeMu.Unlock()
			if err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

// Send writes msg as one text frame
func (t *WebSocketTransport) Send(msg []byte) error {
	select {
	case <-t.done:
		return coreerrors.ErrResourceClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// OnClose registers fn; it runs immediately when the transport is already closed
func (t *WebSocketTransport) OnClose(fn func()) {
	t.mu.Lock()
	if !t.closed {
		t.onClose = append(t.onClose, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

// Close sends a close frame and releases the connection
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		callbacks := t.onClose
		t.onClose = nil
		t.mu.Unlock()
		close(t.done)

		t.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()

		for _, fn := range callbacks {
			fn()
		}
	})
	return err
}

// Closed reports whether the connection has gone away
func (t *WebSocketTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Done is closed once the connection has gone away
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}
