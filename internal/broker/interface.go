// Package broker 提供节点间消息代理抽象（内存 / Redis Pub/Sub）
package broker

import (
	"context"
	"time"
)

// MessageBroker 消息代理接口
type MessageBroker interface {
	// Publish 发布消息到指定主题
	Publish(ctx context.Context, topic string, message []byte) error

	// Subscribe 订阅主题，返回消息通道
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)

	// Unsubscribe 取消订阅
	Unsubscribe(ctx context.Context, topic string) error

	// Ping 检查代理可用性
	Ping(ctx context.Context) error

	// NodeID 当前节点ID
	NodeID() string

	Close() error
}

// Message 消息结构
type Message struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
}

// 主题
const (
	TopicBroadcastEvent = "broadcast.event" // 跨节点广播事件
	TopicTenantChanged  = "tenant.changed"  // 租户状态变更
)
