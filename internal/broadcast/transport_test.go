package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSETransport_Frames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	tr, err := NewSSETransport(rec, req)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	require.NoError(t, tr.Send([]byte(`{"type":"tick"}`)))
	assert.Equal(t, "data: {\"type\":\"tick\"}\n\n", rec.Body.String())

	var closed atomic.Bool
	tr.OnClose(func() { closed.Store(true) })

	cancel()
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("transport not closed after request ended")
	}
	assert.True(t, closed.Load())
	assert.True(t, tr.Closed())
	assert.Error(t, tr.Send([]byte(`{}`)))

	// late registration runs immediately
	late := false
	tr.OnClose(func() { late = true })
	assert.True(t, late)
}

func TestSSETransport_WithRegistry(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		tr, err := NewSSETransport(w, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := r.Subscribe("7", "painel", "", "", tr); err != nil {
			return
		}
		close(ready)
		<-tr.Done()
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not registered")
	}
	_, err = r.Publish("7", "painel", Event{Type: "tick", Data: []byte(`1`)})
	require.NoError(t, err)

	buf := make([]byte, 0, 512)
	chunk := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(string(buf), `"type":"tick"`) && time.Now().Before(deadline) {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	body := string(buf)
	assert.True(t, strings.HasPrefix(body, `data: {"type":"connected"`))
	assert.Contains(t, body, `"type":"tick"`)

	resp.Body.Close()
	assert.Eventually(t, func() bool { return r.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketTransport(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		tr := NewWebSocketTransport(conn)
		if _, err := r.Subscribe("7", "painel", "", "", tr); err != nil {
			tr.Close()
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"type":"connected"`)

	_, err = r.Publish("7", "painel", Event{Type: "tick", Data: []byte(`1`)})
	require.NoError(t, err)
	_, msg, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"type":"tick"`)

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return r.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
