package broadcast

import (
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type topicKey struct {
	tenantID string
	topic    string
}

// History keeps the latest events per topic; the number of topics tracked
// is bounded by an LRU so idle topics fall out
type History struct {
	mu       sync.Mutex
	topics   *lru.Cache[topicKey, []json.RawMessage]
	perTopic int
}

// NewHistory creates a history of perTopic events for at most maxTopics topics
func NewHistory(maxTopics, perTopic int) *History {
	if maxTopics <= 0 {
		maxTopics = 1024
	}
	cache, err := lru.New[topicKey, []json.RawMessage](maxTopics)
	if err != nil {
		panic(err)
	}
	return &History{topics: cache, perTopic: perTopic}
}

// Add appends msg to the topic, dropping the oldest beyond the limit
func (h *History) Add(tenantID, topic string, msg []byte) {
	if h.perTopic <= 0 {
		return
	}
	key := topicKey{tenantID: tenantID, topic: topic}

	h.mu.Lock()
	defer h.mu.Unlock()

	events, _ := h.topics.Get(key)
	events = append(events, json.RawMessage(msg))
	if len(events) > h.perTopic {
		trimmed := make([]json.RawMessage, h.perTopic)
		copy(trimmed, events[len(events)-h.perTopic:])
		events = trimmed
	}
	h.topics.Add(key, events)
}

// Recent returns up to n of the latest events, oldest first
func (h *History) Recent(tenantID, topic string, n int) []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	events, ok := h.topics.Get(topicKey{tenantID: tenantID, topic: topic})
	if !ok || n <= 0 {
		return nil
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	out := make([]json.RawMessage, len(events))
	copy(out, events)
	return out
}

// Clear drops the history of a topic, e.g. when a session ends
func (h *History) Clear(tenantID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics.Remove(topicKey{tenantID: tenantID, topic: topic})
}

// Topics returns how many topics currently hold history
func (h *History) Topics() int {
	return h.topics.Len()
}
