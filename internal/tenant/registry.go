package tenant

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tenantgate/internal/broker"
	"tenantgate/internal/core/dispose"
	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Config registry configuration
type Config struct {
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	MissRefreshInterval time.Duration `yaml:"miss_refresh_interval"` // min gap between refreshes triggered by unknown ids
}

// DefaultConfig returns default registry configuration
func DefaultConfig() Config {
	return Config{
		RefreshInterval:     60 * time.Second,
		MissRefreshInterval: 5 * time.Second,
	}
}

// Stats registry statistics
type Stats struct {
	Total       int            `json:"total"`
	Ready       int            `json:"ready"`
	ByStatus    map[string]int `json:"by_status"`
	Refreshes   uint64         `json:"refreshes"`
	LastRefresh time.Time      `json:"last_refresh"`
	LastError   string         `json:"last_error,omitempty"`
}

type snapshot struct {
	byID     map[string]Descriptor
	loadedAt time.Time
}

// mark is a local status change that a refresh already in flight may not see
type mark struct {
	desc Descriptor
	at   time.Time
}

// Registry serves tenant lookups from an immutable snapshot. Refresh builds
// a complete replacement and publishes it with one pointer swap, so readers
// never observe a partial directory.
type Registry struct {
	*dispose.ServiceBase

	source Source
	writer StatusWriter
	broker broker.MessageBroker
	cfg    Config

	current atomic.Pointer[snapshot]
	writeMu sync.Mutex
	marks   map[string]mark

	refreshGroup singleflight.Group
	missLimiter  *rate.Limiter

	statsMu     sync.Mutex
	refreshes   uint64
	lastRefresh time.Time
	lastErr     string
}

// NewRegistry creates a registry; mb may be nil for single-node setups.
// A source that also implements StatusWriter persists MarkReady/MarkError.
func NewRegistry(parentCtx context.Context, source Source, cfg Config, mb broker.MessageBroker) *Registry {
	def := DefaultConfig()
	if cfg.MissRefreshInterval <= 0 {
		cfg.MissRefreshInterval = def.MissRefreshInterval
	}

	r := &Registry{
		ServiceBase: dispose.NewService("TenantRegistry", parentCtx),
		source:      source,
		broker:      mb,
		cfg:         cfg,
		marks:       make(map[string]mark),
		missLimiter: rate.NewLimiter(rate.Every(cfg.MissRefreshInterval), 1),
	}
	if w, ok := source.(StatusWriter); ok {
		r.writer = w
	}
	r.current.Store(&snapshot{byID: map[string]Descriptor{}})
	return r
}

// Start loads the directory and starts the refresh loop and change listener.
// An initial load failure is returned but the registry keeps running.
func (r *Registry) Start() error {
	err := r.Refresh(r.Ctx())

	if r.cfg.RefreshInterval > 0 {
		go r.refreshLoop()
	}
	if r.broker != nil {
		ch, subErr := r.broker.Subscribe(r.Ctx(), broker.TopicTenantChanged)
		if subErr != nil {
			corelog.Warnf("TenantRegistry: failed to subscribe to %s: %v", broker.TopicTenantChanged, subErr)
		} else {
			go r.listenChanges(ch)
		}
	}
	return err
}

// Lookup returns a copy of the descriptor
func (r *Registry) Lookup(id string) (Descriptor, error) {
	d, ok := r.current.Load().byID[id]
	if !ok {
		return Descriptor{}, coreerrors.ErrTenantNotFound
	}
	return d, nil
}

// LookupOrRefresh retries once after a throttled refresh when id is unknown
func (r *Registry) LookupOrRefresh(ctx context.Context, id string) (Descriptor, error) {
	d, err := r.Lookup(id)
	if err == nil || !r.missLimiter.Allow() {
		return d, err
	}
	corelog.Debugf("TenantRegistry: unknown tenant %s, refreshing", id)
	if refreshErr := r.Refresh(ctx); refreshErr != nil {
		return Descriptor{}, err
	}
	return r.Lookup(id)
}

// List returns all descriptors ordered by id
func (r *Registry) List() []Descriptor {
	snap := r.current.Load()
	out := make([]Descriptor, 0, len(snap.byID))
	for _, d := range snap.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Refresh reloads the directory; concurrent callers share one load
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.refreshGroup.Do("refresh", func() (interface{}, error) {
		return nil, r.doRefresh(ctx)
	})
	return err
}

func (r *Registry) doRefresh(ctx context.Context) error {
	started := time.Now()
	loaded, err := r.source.Load(ctx)
	if err != nil {
		r.statsMu.Lock()
		r.lastErr = err.Error()
		r.statsMu.Unlock()
		corelog.WithError(err).Error("TenantRegistry: refresh failed, keeping previous snapshot")
		return coreerrors.Wrap(err, coreerrors.CodeStorageError, "tenant refresh failed")
	}

	next := make(map[string]Descriptor, len(loaded))
	for _, d := range loaded {
		next[d.ID] = d
	}

	r.writeMu.Lock()
	for id, m := range r.marks {
		if m.at.Before(started) {
			delete(r.marks, id)
			continue
		}
		if d, ok := next[id]; ok {
			applyStatus(&d, m.desc.Status, m.desc.StatusMessage, m.at)
			next[id] = d
		}
	}
	r.current.Store(&snapshot{byID: next, loadedAt: started})
	r.writeMu.Unlock()

	r.statsMu.Lock()
	r.refreshes++
	r.lastRefresh = started
	r.lastErr = ""
	r.statsMu.Unlock()

	corelog.Debugf("TenantRegistry: loaded %d tenants", len(next))
	return nil
}

// MarkReady records that the tenant's storage finished provisioning
func (r *Registry) MarkReady(ctx context.Context, id string) error {
	return r.mark(ctx, id, StatusReady, "")
}

// MarkError records a provisioning failure
func (r *Registry) MarkError(ctx context.Context, id, reason string) error {
	return r.mark(ctx, id, StatusError, reason)
}

func (r *Registry) mark(ctx context.Context, id string, status Status, message string) error {
	now := time.Now()

	r.writeMu.Lock()
	cur := r.current.Load()
	d, ok := cur.byID[id]
	if !ok {
		r.writeMu.Unlock()
		return coreerrors.ErrTenantNotFound
	}
	applyStatus(&d, status, message, now)

	next := make(map[string]Descriptor, len(cur.byID))
	for k, v := range cur.byID {
		next[k] = v
	}
	next[id] = d
	r.current.Store(&snapshot{byID: next, loadedAt: cur.loadedAt})
	r.marks[id] = mark{desc: d, at: now}
	r.writeMu.Unlock()

	corelog.Infof("TenantRegistry: tenant %s marked %s", id, status)

	var persistErr error
	if r.writer != nil {
		if err := r.writer.MarkStatus(ctx, id, status, message); err != nil {
			corelog.WithError(err).Errorf("TenantRegistry: failed to persist status of tenant %s", id)
			persistErr = coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to persist tenant status")
		}
	}
	r.announce(ctx, id, status, message)
	return persistErr
}

func (r *Registry) announce(ctx context.Context, id string, status Status, reason string) {
	if r.broker == nil {
		return
	}
	payload, err := json.Marshal(&broker.TenantChangedMessage{
		TenantID:  id,
		Status:    string(status),
		Reason:    reason,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := r.broker.Publish(ctx, broker.TopicTenantChanged, payload); err != nil {
		corelog.Warnf("TenantRegistry: failed to announce change of tenant %s: %v", id, err)
	}
}

func (r *Registry) listenChanges(ch <-chan *broker.Message) {
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
			var change broker.TenantChangedMessage
			if err := json.Unmarshal(msg.Payload, &change); err != nil {
				corelog.Warnf("TenantRegistry: invalid tenant change message: %v", err)
				continue
			}
			corelog.Debugf("TenantRegistry: tenant %s changed on node %s", change.TenantID, msg.NodeID)
			_ = r.Refresh(r.Ctx())
		}
	}
}

func (r *Registry) refreshLoop() {
	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Ctx().Done():
			return
		case <-ticker.C:
			_ = r.Refresh(r.Ctx())
		}
	}
}

// Stats returns directory and refresh statistics
func (r *Registry) Stats() Stats {
	snap := r.current.Load()
	s := Stats{Total: len(snap.byID), ByStatus: make(map[string]int)}
	for _, d := range snap.byID {
		s.ByStatus[string(d.Status)]++
		if d.Ready() {
			s.Ready++
		}
	}

	r.statsMu.Lock()
	s.Refreshes = r.refreshes
	s.LastRefresh = r.lastRefresh
	s.LastError = r.lastErr
	r.statsMu.Unlock()
	return s
}

// Size returns the number of tenants in the current snapshot
func (r *Registry) Size() int {
	return len(r.current.Load().byID)
}

// LastError returns the error of the latest refresh, empty after a success
func (r *Registry) LastError() string {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.lastErr
}
