package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"tenantgate/internal/core/dispose"
	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"
)

// ManagerStats aggregate statistics across all target pools
type ManagerStats struct {
	Pools   int     `json:"pools"`
	InUse   int     `json:"in_use"`
	Waiting int     `json:"waiting"`
	Targets []Stats `json:"targets"`
}

// Manager owns one targetPool per isolation key
type Manager struct {
	*dispose.ManagerBase

	cfg    Config
	dialer Dialer
	now    func() time.Time

	pools    map[string]*targetPool
	mu       sync.RWMutex
	creating singleflight.Group
}

// NewManager creates the manager and starts the idle sweep
func NewManager(parentCtx context.Context, cfg Config, dialer Dialer) *Manager {
	m := &Manager{
		ManagerBase: dispose.NewManager("PoolManager", parentCtx),
		cfg:         cfg.withDefaults(),
		dialer:      dialer,
		now:         time.Now,
		pools:       make(map[string]*targetPool),
	}
	m.AddCleanHandler(m.onClose)

	if m.cfg.SweepInterval > 0 {
		go m.sweepLoop()
	}
	return m
}

func (m *Manager) onClose() error {
	m.CloseAll()
	return nil
}

// Acquire returns a connection confined to target, creating its pool on first use
func (m *Manager) Acquire(ctx context.Context, target Target) (*Conn, error) {
	if m.IsClosed() {
		return nil, coreerrors.ErrResourceClosed
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	// one retry covers a pool swept between lookup and acquisition
	for attempt := 0; ; attempt++ {
		p, err := m.getOrCreatePool(ctx, target)
		if err != nil {
			return nil, err
		}
		conn, err := p.acquire(ctx)
		if err == errPoolClosed && attempt == 0 {
			continue
		}
		return conn, err
	}
}

// getOrCreatePool double-checks the map; creation for a key runs once
func (m *Manager) getOrCreatePool(ctx context.Context, target Target) (*targetPool, error) {
	m.mu.RLock()
	p, exists := m.pools[target.Key]
	m.mu.RUnlock()
	if exists && p.target == target {
		return p, nil
	}

	// a follower whose flight was led by a different target starts its own
	for attempt := 0; attempt < 3; attempt++ {
		p, err := m.createPool(ctx, target)
		if err != nil {
			return nil, err
		}
		if p.target == target {
			return p, nil
		}
	}
	return nil, coreerrors.New(coreerrors.CodeTargetUnavailable, "storage target changed during pool creation").
		WithDetail(coreerrors.DetailKey, target.Key)
}

// createPool dials under the manager context so a cancelled caller does not
// fail the dial for the callers sharing its flight
func (m *Manager) createPool(ctx context.Context, target Target) (*targetPool, error) {
	ch := m.creating.DoChan(target.Key, func() (interface{}, error) {
		m.mu.RLock()
		p, exists := m.pools[target.Key]
		m.mu.RUnlock()
		if exists {
			if p.target == target {
				return p, nil
			}
			// target moved (new DSN or schema): retire the old pool
			corelog.Infof("PoolManager: target for %s changed, replacing pool", target.Key)
			m.retire(target.Key, p)
		}

		dialCtx, cancel := context.WithTimeout(m.Ctx(), m.cfg.ConnectTimeout)
		defer cancel()
		backend, err := m.dialer.Open(dialCtx, target)
		if err != nil {
			corelog.WithField("isolation_key", target.Key).WithError(err).Error("PoolManager: failed to open target")
			if coreerrors.IsCode(err, coreerrors.CodeInvalidParam) {
				return nil, err
			}
			return nil, coreerrors.Wrap(err, coreerrors.CodeTargetUnavailable, "storage target unavailable").
				WithDetail(coreerrors.DetailKey, target.Key)
		}

		p = newTargetPool(target, backend, m.cfg, m.now)
		m.mu.Lock()
		m.pools[target.Key] = p
		m.mu.Unlock()
		corelog.Debugf("PoolManager: created pool for %s", target.Key)
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*targetPool), nil
	case <-ctx.Done():
		return nil, coreerrors.Wrap(ctx.Err(), coreerrors.CodeTimeout, "acquire cancelled")
	}
}

// retire removes p from the map if still registered and closes its backend
// once its checked-out connections are released
func (m *Manager) retire(key string, p *targetPool) {
	m.mu.Lock()
	if cur, ok := m.pools[key]; ok && cur == p {
		delete(m.pools, key)
	}
	m.mu.Unlock()
	p.markClosed()
	go p.backend.Close()
}

// Release returns conn to its pool; safe to call more than once
func (m *Manager) Release(conn *Conn) {
	if conn != nil {
		conn.Release()
	}
}

// WithConnection runs fn with a connection released on every exit path
func (m *Manager) WithConnection(ctx context.Context, target Target, fn func(*Conn) error) error {
	conn, err := m.Acquire(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// WithTx runs fn inside a transaction; errors and panics roll back
func (m *Manager) WithTx(ctx context.Context, target Target, fn func(pgx.Tx) error) error {
	return m.WithConnection(ctx, target, func(conn *Conn) (err error) {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.CodeStorageError, "begin transaction")
		}
		defer func() {
			if r := recover(); r != nil {
				_ = tx.Rollback(context.Background())
				panic(r)
			}
		}()

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				corelog.WithField("isolation_key", conn.Key()).WithError(rbErr).Warn("PoolManager: rollback failed")
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return coreerrors.Wrap(err, coreerrors.CodeStorageError, "commit transaction")
		}
		return nil
	})
}

// HealthCheck runs SELECT 1 inside target
func (m *Manager) HealthCheck(ctx context.Context, target Target) error {
	return m.WithConnection(ctx, target, func(conn *Conn) error {
		var one int
		if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return coreerrors.Wrap(err, coreerrors.CodeTargetUnavailable, "health check failed").
				WithDetail(coreerrors.DetailKey, target.Key)
		}
		return nil
	})
}

// Stats returns per-key and total statistics, ordered by key
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	pools := make([]*targetPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	out := ManagerStats{Pools: len(pools), Targets: make([]Stats, 0, len(pools))}
	for _, p := range pools {
		s := p.stats()
		out.InUse += s.InUse
		out.Waiting += s.Waiting
		out.Targets = append(out.Targets, s)
	}
	sort.Slice(out.Targets, func(i, j int) bool { return out.Targets[i].Key < out.Targets[j].Key })
	return out
}

// PoolStats returns statistics for one key
func (m *Manager) PoolStats(key string) (Stats, bool) {
	m.mu.RLock()
	p, ok := m.pools[key]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return p.stats(), true
}

// RemoveTarget tears down the pool for key; checked-out connections finish normally
func (m *Manager) RemoveTarget(key string) bool {
	m.mu.RLock()
	p, ok := m.pools[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	m.retire(key, p)
	corelog.Infof("PoolManager: removed pool for %s", key)
	return true
}

// CloseAll tears down every pool
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*targetPool)
	m.mu.Unlock()

	for _, p := range pools {
		p.markClosed()
		p.backend.Close()
	}
	if len(pools) > 0 {
		corelog.Infof("PoolManager: closed %d pools", len(pools))
	}
}

// Sweep closes pools idle longer than the threshold as of now
func (m *Manager) Sweep(now time.Time) int {
	m.mu.RLock()
	candidates := make(map[string]*targetPool, len(m.pools))
	for k, p := range m.pools {
		candidates[k] = p
	}
	m.mu.RUnlock()

	removed := 0
	for key, p := range candidates {
		if !p.closeIfIdle(now, m.cfg.PoolIdleThreshold) {
			continue
		}
		m.mu.Lock()
		if cur, ok := m.pools[key]; ok && cur == p {
			delete(m.pools, key)
		}
		m.mu.Unlock()
		p.backend.Close()
		removed++
	}
	if removed > 0 {
		corelog.Infof("PoolManager: swept %d idle pools", removed)
	}
	return removed
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.Ctx().Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}
