package broadcast

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"tenantgate/internal/broker"
	"tenantgate/internal/core/dispose"
	corelog "tenantgate/internal/core/log"
)

// relayEvent carries the delivery filters that Event keeps off the wire to clients
type relayEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Roles     []string        `json:"roles,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

// relayOutboxSize bounds forwarded messages waiting for the broker
const relayOutboxSize = 256

// Relay forwards local publishes to other nodes through the message broker
// and delivers their events to local subscribers. Forwarding never blocks
// Publish: messages queue in a bounded outbox and are dropped when it is full.
type Relay struct {
	*dispose.ServiceBase

	registry *Registry
	broker   broker.MessageBroker
	outbox   chan []byte
	dropped  atomic.Uint64
}

// NewRelay creates a relay between registry and mb
func NewRelay(parentCtx context.Context, registry *Registry, mb broker.MessageBroker) *Relay {
	r := &Relay{
		ServiceBase: dispose.NewService("BroadcastRelay", parentCtx),
		registry:    registry,
		broker:      mb,
		outbox:      make(chan []byte, relayOutboxSize),
	}
	r.AddCleanHandler(func() error {
		registry.SetPublishHook(nil)
		return nil
	})
	return r
}

// Start subscribes to the broker and hooks local publishes
func (r *Relay) Start() error {
	ch, err := r.broker.Subscribe(r.Ctx(), broker.TopicBroadcastEvent)
	if err != nil {
		return err
	}
	go r.sendLoop()
	go r.receive(ch)
	r.registry.SetPublishHook(r.forward)
	corelog.Infof("BroadcastRelay: started on node %s", r.broker.NodeID())
	return nil
}

func (r *Relay) forward(tenantID, topic string, ev Event) {
	payload, err := json.Marshal(&relayEvent{
		Type:      ev.Type,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
		Roles:     ev.Roles,
		UserID:    ev.UserID,
	})
	if err != nil {
		return
	}
	msg, err := json.Marshal(&broker.BroadcastEventMessage{
		TenantID: tenantID,
		Topic:    topic,
		UserID:   ev.UserID,
		Event:    payload,
	})
	if err != nil {
		return
	}

	select {
	case r.outbox <- msg:
	default:
		r.dropped.Add(1)
		corelog.Warnf("BroadcastRelay: outbox full, dropped %s/%s", tenantID, topic)
	}
}

// Dropped 因 outbox 已满而未转发的消息数
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Relay) sendLoop() {
	for {
		select {
		case <-r.Ctx().Done():
			return
		case msg := <-r.outbox:
			ctx, cancel := context.WithTimeout(r.Ctx(), 2*time.Second)
			if err := r.broker.Publish(ctx, broker.TopicBroadcastEvent, msg); err != nil {
				corelog.Warnf("BroadcastRelay: failed to forward event: %v", err)
			}
			cancel()
		}
	}
}

func (r *Relay) receive(ch <-chan *broker.Message) {
	for {
		select {
		case <-r.Ctx().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.NodeID == r.broker.NodeID() {
				continue
			}
			var envelope broker.BroadcastEventMessage
			if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
				corelog.Warnf("BroadcastRelay: invalid message from node %s: %v", msg.NodeID, err)
				continue
			}
			var wire relayEvent
			if err := json.Unmarshal(envelope.Event, &wire); err != nil {
				corelog.Warnf("BroadcastRelay: invalid event from node %s: %v", msg.NodeID, err)
				continue
			}
			ev := Event{
				Type:      wire.Type,
				Data:      wire.Data,
				Timestamp: wire.Timestamp,
				Roles:     wire.Roles,
				UserID:    wire.UserID,
			}
			if _, err := r.registry.deliver(envelope.TenantID, envelope.Topic, ev); err != nil {
				corelog.Debugf("BroadcastRelay: dropped event from node %s: %v", msg.NodeID, err)
			}
		}
	}
}
