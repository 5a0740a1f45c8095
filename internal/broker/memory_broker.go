package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tenantgate/internal/core/dispose"
	corelog "tenantgate/internal/core/log"
)

// MemoryBroker 单节点内存消息代理
type MemoryBroker struct {
	*dispose.ServiceBase
	subscribers map[string][]chan *Message
	mu          sync.RWMutex
	nodeID      string
	closed      bool
}

// NewMemoryBroker 创建内存消息代理
func NewMemoryBroker(parentCtx context.Context, nodeID string) *MemoryBroker {
	b := &MemoryBroker{
		ServiceBase: dispose.NewService("MemoryBroker", parentCtx),
		subscribers: make(map[string][]chan *Message),
		nodeID:      nodeID,
	}
	corelog.Infof("MemoryBroker initialized for node: %s", nodeID)
	return b
}

// NodeID 当前节点ID
func (m *MemoryBroker) NodeID() string {
	return m.nodeID
}

// Publish 发布消息；订阅者通道满时丢弃并告警，不阻塞发布方
func (m *MemoryBroker) Publish(ctx context.Context, topic string, message []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	subscribers := m.subscribers[topic]
	if len(subscribers) == 0 {
		return nil
	}

	msg := &Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    m.nodeID,
	}

	for _, ch := range subscribers {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			corelog.Warnf("MemoryBroker: subscriber channel full for topic %s, skipping", topic)
		}
	}
	return nil
}

// Subscribe 订阅主题
func (m *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	msgChan := make(chan *Message, 100)
	m.subscribers[topic] = append(m.subscribers[topic], msgChan)
	corelog.Debugf("MemoryBroker: new subscriber for topic %s (total: %d)", topic, len(m.subscribers[topic]))
	return msgChan, nil
}

// Unsubscribe 关闭主题下全部订阅通道
func (m *MemoryBroker) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("broker is closed")
	}

	subscribers, exists := m.subscribers[topic]
	if !exists {
		return fmt.Errorf("no subscribers for topic: %s", topic)
	}
	for _, ch := range subscribers {
		close(ch)
	}
	delete(m.subscribers, topic)
	return nil
}

// Ping 内存代理未关闭即健康
func (m *MemoryBroker) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("broker is closed")
	}
	return nil
}

// Close 关闭代理及全部订阅通道
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, subscribers := range m.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
	}
	m.subscribers = make(map[string][]chan *Message)
	m.mu.Unlock()

	corelog.Infof("MemoryBroker closed for node: %s", m.nodeID)
	return m.ServiceBase.Close()
}

// SubscriberCount 主题订阅数
func (m *MemoryBroker) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[topic])
}
