// Package broadcast fans real-time events out to the streaming connections
// subscribed to a (tenant, topic) pair.
package broadcast

import (
	"encoding/json"
	"time"
)

// 内置事件类型
const (
	EventConnected = "connected"
	EventHistory   = "history"
	EventHeartbeat = "heartbeat"
)

// Event is one message for subscribers. Roles and UserID narrow delivery
// and are not sent to clients.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	Roles  []string `json:"-"`
	UserID string   `json:"-"`
}

// NewEvent marshals data into an event
func NewEvent(eventType string, data interface{}) (Event, error) {
	ev := Event{Type: eventType, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

func (e Event) encode() ([]byte, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return json.Marshal(e)
}

func (e Event) allows(sub *subscriber) bool {
	if e.UserID != "" && e.UserID != sub.meta.UserID {
		return false
	}
	if len(e.Roles) == 0 {
		return true
	}
	for _, r := range e.Roles {
		if r == sub.meta.Role {
			return true
		}
	}
	return false
}

func controlMessage(eventType string, data interface{}) []byte {
	ev, err := NewEvent(eventType, data)
	if err != nil {
		return nil
	}
	msg, _ := ev.encode()
	return msg
}
