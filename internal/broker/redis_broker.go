package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"tenantgate/internal/core/dispose"
	corelog "tenantgate/internal/core/log"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "tenantgate:"

// RedisBrokerConfig Redis Broker 配置
type RedisBrokerConfig struct {
	Addrs       []string
	Password    string
	DB          int
	ClusterMode bool
	PoolSize    int
}

// RedisBroker 基于 Redis Pub/Sub 的消息代理
type RedisBroker struct {
	*dispose.ServiceBase
	client      redis.UniversalClient
	pubsub      *redis.PubSub
	subscribers map[string]chan *Message
	mu          sync.RWMutex
	loopOnce    sync.Once
	nodeID      string
	closed      bool
}

// NewRedisBroker 创建 Redis 消息代理，连接失败立即返回错误
func NewRedisBroker(parentCtx context.Context, config *RedisBrokerConfig, nodeID string) (*RedisBroker, error) {
	if config == nil {
		return nil, fmt.Errorf("redis broker config is required")
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 50
	}

	var client redis.UniversalClient
	if config.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    config.Addrs,
			Password: config.Password,
			PoolSize: config.PoolSize,
		})
	} else {
		addr := "localhost:6379"
		if len(config.Addrs) > 0 {
			addr = config.Addrs[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.Password,
			DB:       config.DB,
			PoolSize: config.PoolSize,
		})
	}

	pingCtx, pingCancel := context.WithTimeout(parentCtx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b := &RedisBroker{
		ServiceBase: dispose.NewService("RedisBroker", parentCtx),
		client:      client,
		subscribers: make(map[string]chan *Message),
		nodeID:      nodeID,
	}
	corelog.Infof("RedisBroker initialized for node: %s (cluster_mode: %v)", nodeID, config.ClusterMode)
	return b, nil
}

// NodeID 当前节点ID
func (r *RedisBroker) NodeID() string {
	return r.nodeID
}

func (r *RedisBroker) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Publish 序列化消息（含节点ID）后发布到带前缀的频道
func (r *RedisBroker) Publish(ctx context.Context, topic string, message []byte) error {
	if r.isClosed() {
		return fmt.Errorf("broker is closed")
	}

	data, err := json.Marshal(&Message{
		Topic:     topic,
		Payload:   message,
		Timestamp: time.Now(),
		NodeID:    r.nodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := r.client.Publish(ctx, redisChannelPrefix+topic, data).Err(); err != nil {
		corelog.Errorf("RedisBroker: failed to publish to %s: %v", topic, err)
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// Subscribe 订阅主题，每个主题在本节点只允许一个订阅通道
func (r *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	if _, exists := r.subscribers[topic]; exists {
		return nil, fmt.Errorf("already subscribed to topic: %s", topic)
	}

	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(r.Ctx())
	}
	if err := r.pubsub.Subscribe(r.Ctx(), redisChannelPrefix+topic); err != nil {
		return nil, fmt.Errorf("failed to subscribe to Redis: %w", err)
	}

	msgChan := make(chan *Message, 100)
	r.subscribers[topic] = msgChan

	pubsub := r.pubsub
	r.loopOnce.Do(func() {
		go r.receiveLoop(pubsub)
	})

	corelog.Infof("RedisBroker: subscribed to topic %s (total topics: %d)", topic, len(r.subscribers))
	return msgChan, nil
}

// receiveLoop 接收并分发 Redis 消息
func (r *RedisBroker) receiveLoop(pubsub *redis.PubSub) {
	for {
		msg, err := pubsub.ReceiveMessage(r.Ctx())
		if err != nil {
			if r.isClosed() || r.Ctx().Err() != nil {
				return
			}
			corelog.Errorf("RedisBroker: failed to receive message: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		var message Message
		if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
			corelog.Errorf("RedisBroker: failed to unmarshal message on %s: %v", msg.Channel, err)
			continue
		}
		if message.Topic == "" {
			message.Topic = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
		}

		r.mu.RLock()
		ch, exists := r.subscribers[message.Topic]
		if exists {
			select {
			case ch <- &message:
			default:
				corelog.Warnf("RedisBroker: subscriber channel full for topic %s, dropping message", message.Topic)
			}
		}
		r.mu.RUnlock()
	}
}

// Unsubscribe 取消订阅并关闭通道
func (r *RedisBroker) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("broker is closed")
	}
	ch, exists := r.subscribers[topic]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}
	if r.pubsub != nil {
		if err := r.pubsub.Unsubscribe(ctx, redisChannelPrefix+topic); err != nil {
			corelog.Warnf("RedisBroker: failed to unsubscribe from Redis: %v", err)
		}
	}
	close(ch)
	delete(r.subscribers, topic)
	return nil
}

// Ping 检查 Redis 连接
func (r *RedisBroker) Ping(ctx context.Context) error {
	if r.isClosed() {
		return fmt.Errorf("broker is closed")
	}
	return r.client.Ping(ctx).Err()
}

// Close 关闭代理
func (r *RedisBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			corelog.Warnf("RedisBroker: failed to close pubsub: %v", err)
		}
	}
	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = make(map[string]chan *Message)
	if err := r.client.Close(); err != nil {
		corelog.Warnf("RedisBroker: failed to close Redis client: %v", err)
	}
	r.mu.Unlock()

	corelog.Infof("RedisBroker closed for node: %s", r.nodeID)
	return r.ServiceBase.Close()
}
