package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tenantgate/internal/core/dispose"
	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"

	"github.com/google/uuid"
)

// Stats registry statistics
type Stats struct {
	Subscribers   int            `json:"subscribers"`
	Topics        int            `json:"topics"`
	PerTenant     map[string]int `json:"per_tenant"`
	Published     uint64         `json:"published"`
	Delivered     uint64         `json:"delivered"`
	Dropped       uint64         `json:"dropped"`
	HistoryTopics int            `json:"history_topics"`
}

// PublishHook observes events published on this node
type PublishHook func(tenantID, topic string, ev Event)

// bucket holds the subscribers of one (tenant, topic); a dead bucket was
// emptied and is about to leave the index
type bucket struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
	dead bool
}

// Registry indexes subscribers by (tenant, topic). Each pair has its own
// lock, so traffic of unrelated tenants does not contend, and a publish
// never waits on a slow connection.
type Registry struct {
	*dispose.ServiceBase

	cfg     Config
	history *History

	mu      sync.RWMutex
	buckets map[topicKey]*bucket

	idMu  sync.Mutex
	byID  map[string]*subscriber
	count atomic.Int64

	hookMu sync.RWMutex
	hook   PublishHook

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewRegistry creates a broadcast registry and starts its background loops
func NewRegistry(parentCtx context.Context, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		ServiceBase: dispose.NewService("BroadcastRegistry", parentCtx),
		cfg:         cfg,
		history:     NewHistory(cfg.HistoryTopics, cfg.HistorySize),
		buckets:     make(map[topicKey]*bucket),
		byID:        make(map[string]*subscriber),
	}
	r.AddCleanHandler(r.onClose)

	if cfg.SweepInterval > 0 {
		go r.loop(cfg.SweepInterval, func() { r.Sweep() })
	}
	if cfg.HeartbeatInterval > 0 {
		go r.loop(cfg.HeartbeatInterval, r.heartbeat)
	}
	return r
}

func (r *Registry) bucket(key topicKey, create bool) *bucket {
	r.mu.RLock()
	b := r.buckets[key]
	r.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.buckets[key]; b == nil {
		b = &bucket{subs: make(map[string]*subscriber)}
		r.buckets[key] = b
	}
	return b
}

func (r *Registry) dropBucket(key topicKey, b *bucket) {
	r.mu.Lock()
	if r.buckets[key] == b {
		delete(r.buckets, key)
	}
	r.mu.Unlock()
}

// SetPublishHook installs fn to observe local publishes; nil removes it
func (r *Registry) SetPublishHook(fn PublishHook) {
	r.hookMu.Lock()
	r.hook = fn
	r.hookMu.Unlock()
}

// Subscribe registers transport for events of (tenantID, topic) and returns
// the subscriber id. The subscriber first receives a connected event and a
// replay of recent history.
func (r *Registry) Subscribe(tenantID, topic, role, userID string, transport Transport) (string, error) {
	if tenantID == "" || topic == "" {
		return "", coreerrors.New(coreerrors.CodeInvalidParam, "tenant and topic are required")
	}
	if r.IsClosed() {
		return "", coreerrors.ErrResourceClosed
	}

	meta := Subscriber{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Role:      role,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	sub := newSubscriber(meta, transport, r.cfg.BufferSize)
	key := topicKey{tenantID: tenantID, topic: topic}

	// queued before the subscriber becomes visible to publishers
	sub.enqueue(controlMessage(EventConnected, map[string]string{"subscriber_id": meta.ID}))
	if r.cfg.HistoryReplay > 0 {
		if recent := r.history.Recent(tenantID, topic, r.cfg.HistoryReplay); len(recent) > 0 {
			sub.enqueue(controlMessage(EventHistory, recent))
		}
	}

	if r.count.Add(1) > int64(r.cfg.MaxSubscribers) {
		r.count.Add(-1)
		corelog.Warnf("BroadcastRegistry: subscriber limit %d reached, rejecting tenant %s", r.cfg.MaxSubscribers, tenantID)
		return "", coreerrors.ErrTooManySubscribers
	}
	r.idMu.Lock()
	r.byID[meta.ID] = sub
	r.idMu.Unlock()

	for {
		b := r.bucket(key, true)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			r.dropBucket(key, b)
			continue
		}
		b.subs[meta.ID] = sub
		b.mu.Unlock()
		break
	}
	if r.IsClosed() {
		r.remove(meta.ID, true)
		return "", coreerrors.ErrResourceClosed
	}

	go sub.run(func(err error) {
		corelog.Debugf("BroadcastRegistry: write to subscriber %s failed: %v", meta.ID, err)
		r.remove(meta.ID, false)
	})
	transport.OnClose(func() { r.remove(meta.ID, false) })

	corelog.Debugf("BroadcastRegistry: subscriber %s joined %s/%s", meta.ID, tenantID, topic)
	return meta.ID, nil
}

// Unsubscribe removes a subscriber; unknown ids are ignored
func (r *Registry) Unsubscribe(id string) bool {
	return r.remove(id, true)
}

// remove detaches the subscriber from the index; the transport is closed
// inline when wait is set, otherwise in the background
func (r *Registry) remove(id string, wait bool) bool {
	r.idMu.Lock()
	sub, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		r.count.Add(-1)
	}
	r.idMu.Unlock()
	if !ok {
		return false
	}

	key := topicKey{tenantID: sub.meta.TenantID, topic: sub.meta.Topic}
	if b := r.bucket(key, false); b != nil {
		b.mu.Lock()
		delete(b.subs, id)
		empty := len(b.subs) == 0
		if empty {
			b.dead = true
		}
		b.mu.Unlock()
		if empty {
			r.dropBucket(key, b)
		}
	}

	if wait {
		sub.stop()
	} else {
		go sub.stop()
	}
	corelog.Debugf("BroadcastRegistry: subscriber %s left %s/%s", id, sub.meta.TenantID, sub.meta.Topic)
	return true
}

// Publish delivers ev to the matching subscribers of (tenantID, topic) and
// returns how many accepted it
func (r *Registry) Publish(tenantID, topic string, ev Event) (int, error) {
	n, err := r.deliver(tenantID, topic, ev)
	if err != nil {
		return 0, err
	}

	r.hookMu.RLock()
	hook := r.hook
	r.hookMu.RUnlock()
	if hook != nil {
		hook(tenantID, topic, ev)
	}
	return n, nil
}

// SendToUser delivers ev only to the subscribers of (tenantID, topic) that
// belong to userID
func (r *Registry) SendToUser(tenantID, topic, userID string, ev Event) (int, error) {
	if userID == "" {
		return 0, coreerrors.New(coreerrors.CodeInvalidParam, "user id is required")
	}
	ev.UserID = userID
	return r.Publish(tenantID, topic, ev)
}

// deliver fans ev out to local subscribers only
func (r *Registry) deliver(tenantID, topic string, ev Event) (int, error) {
	if tenantID == "" || topic == "" {
		return 0, coreerrors.New(coreerrors.CodeInvalidParam, "tenant and topic are required")
	}
	if ev.Type == "" {
		return 0, coreerrors.New(coreerrors.CodeInvalidParam, "event type is required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	msg, err := ev.encode()
	if err != nil {
		return 0, coreerrors.Wrap(err, coreerrors.CodeInvalidParam, "event is not serializable")
	}
	r.published.Add(1)

	// 仅广播事件进入历史，定向事件不回放
	if ev.UserID == "" && len(ev.Roles) == 0 {
		r.history.Add(tenantID, topic, msg)
	}

	var targets []*subscriber
	if b := r.bucket(topicKey{tenantID: tenantID, topic: topic}, false); b != nil {
		b.mu.RLock()
		targets = make([]*subscriber, 0, len(b.subs))
		for _, sub := range b.subs {
			if ev.allows(sub) {
				targets = append(targets, sub)
			}
		}
		b.mu.RUnlock()
	}

	delivered := 0
	for _, sub := range targets {
		if sub.enqueue(msg) {
			delivered++
			continue
		}
		r.dropped.Add(1)
		corelog.Warnf("BroadcastRegistry: subscriber %s is not keeping up, disconnecting", sub.meta.ID)
		r.remove(sub.meta.ID, false)
	}
	r.delivered.Add(uint64(delivered))
	return delivered, nil
}

// ClearHistory forgets the recent events of a topic
func (r *Registry) ClearHistory(tenantID, topic string) {
	r.history.Clear(tenantID, topic)
}

// Subscribers lists the subscribers of a tenant
func (r *Registry) Subscribers(tenantID string) []Subscriber {
	var out []Subscriber
	for _, sub := range r.snapshot() {
		if sub.meta.TenantID == tenantID {
			out = append(out, sub.meta)
		}
	}
	return out
}

// Count returns the number of live subscribers
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Capacity returns the subscriber ceiling
func (r *Registry) Capacity() int {
	return r.cfg.MaxSubscribers
}

func (r *Registry) snapshot() []*subscriber {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	subs := make([]*subscriber, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	return subs
}

// Sweep removes subscribers whose transport reports a dead connection
func (r *Registry) Sweep() int {
	removed := 0
	for _, sub := range r.snapshot() {
		if sub.transportClosed() && r.remove(sub.meta.ID, true) {
			removed++
		}
	}
	if removed > 0 {
		corelog.Infof("BroadcastRegistry: swept %d dead subscribers", removed)
	}
	return removed
}

func (r *Registry) heartbeat() {
	msg := controlMessage(EventHeartbeat, nil)
	for _, sub := range r.snapshot() {
		if !sub.enqueue(msg) {
			r.dropped.Add(1)
			r.remove(sub.meta.ID, false)
		}
	}
}

func (r *Registry) loop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Ctx().Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stats returns subscriber and delivery statistics
func (r *Registry) Stats() Stats {
	s := Stats{
		Subscribers: r.Count(),
		PerTenant:   make(map[string]int),
	}

	r.mu.RLock()
	for key, b := range r.buckets {
		b.mu.RLock()
		n := len(b.subs)
		b.mu.RUnlock()
		if n > 0 {
			s.Topics++
			s.PerTenant[key.tenantID] += n
		}
	}
	r.mu.RUnlock()

	s.Published = r.published.Load()
	s.Delivered = r.delivered.Load()
	s.Dropped = r.dropped.Load()
	s.HistoryTopics = r.history.Topics()
	return s
}

func (r *Registry) onClose() error {
	r.idMu.Lock()
	subs := make([]*subscriber, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	r.byID = make(map[string]*subscriber)
	r.count.Store(0)
	r.idMu.Unlock()

	r.mu.Lock()
	r.buckets = make(map[topicKey]*bucket)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	corelog.Infof("BroadcastRegistry: closed %d subscribers", len(subs))
	return nil
}
