package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"

	"golang.org/x/sync/semaphore"
)

// errPoolClosed signals the pool was swept between lookup and acquisition;
// the manager retries against a fresh pool.
var errPoolClosed = coreerrors.New(coreerrors.CodeResourceClosed, "target pool closed")

// Stats per-target pool statistics
type Stats struct {
	Key        string    `json:"key"`
	InUse      int       `json:"in_use"`
	Waiting    int       `json:"waiting"`
	MaxConns   int       `json:"max_conns"`
	Acquired   uint64    `json:"acquired"`
	Exhausted  uint64    `json:"exhausted"`
	Saturated  uint64    `json:"saturated"`
	LastActive time.Time `json:"last_active"`
}

// targetPool bounds concurrent connections for one isolation key
type targetPool struct {
	target  Target
	backend Backend
	cfg     Config
	sem     *semaphore.Weighted
	now     func() time.Time

	mu         sync.Mutex
	inUse      int
	waiting    int
	closed     bool
	lastActive time.Time

	acquired  atomic.Uint64
	exhausted atomic.Uint64
	saturated atomic.Uint64
}

func newTargetPool(target Target, backend Backend, cfg Config, now func() time.Time) *targetPool {
	return &targetPool{
		target:     target,
		backend:    backend,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConns)),
		now:        now,
		lastActive: now(),
	}
}

// acquire claims a slot then a session. A caller that times out or is
// cancelled while queued never holds a slot.
func (p *targetPool) acquire(ctx context.Context) (*Conn, error) {
	if !p.sem.TryAcquire(1) {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, errPoolClosed
	}
	p.inUse++
	p.lastActive = p.now()
	p.mu.Unlock()

	// 共享的 pgxpool 可能在外部耗尽，会话获取同样受 AcquireTimeout 约束
	acqCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	session, err := p.backend.Acquire(acqCtx)
	cancel()
	if err != nil {
		p.releaseSlot()
		if ctx.Err() != nil {
			return nil, coreerrors.Wrap(ctx.Err(), coreerrors.CodeTimeout, "acquire cancelled")
		}
		if acqCtx.Err() == context.DeadlineExceeded {
			p.exhausted.Add(1)
			corelog.Warnf("Pool: session acquire timed out after %v for %s", p.cfg.AcquireTimeout, p.target.Key)
			return nil, coreerrors.New(coreerrors.CodePoolExhausted, "timed out waiting for a connection").
				WithDetail(coreerrors.DetailKey, p.target.Key)
		}
		corelog.WithField("isolation_key", p.target.Key).WithError(err).Warn("Pool: failed to acquire session")
		return nil, coreerrors.Wrap(err, coreerrors.CodeTargetUnavailable, "storage target unavailable").
			WithDetail(coreerrors.DetailKey, p.target.Key)
	}

	p.acquired.Add(1)
	return &Conn{
		key:        p.target.Key,
		schema:     p.target.Schema,
		session:    session,
		acquiredAt: p.now(),
		owner:      p,
	}, nil
}

func (p *targetPool) wait(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPoolClosed
	}
	if p.waiting >= p.cfg.MaxWaiters {
		p.mu.Unlock()
		p.saturated.Add(1)
		corelog.Warnf("Pool: waiter ceiling %d reached for %s", p.cfg.MaxWaiters, p.target.Key)
		return coreerrors.New(coreerrors.CodePoolSaturated, "too many callers waiting for a connection").
			WithDetail(coreerrors.DetailKey, p.target.Key)
	}
	p.waiting++
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	err := p.sem.Acquire(waitCtx, 1)
	cancel()

	p.mu.Lock()
	p.waiting--
	p.mu.Unlock()

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return coreerrors.Wrap(ctx.Err(), coreerrors.CodeTimeout, "acquire cancelled")
	}
	p.exhausted.Add(1)
	corelog.Warnf("Pool: acquire timed out after %v for %s", p.cfg.AcquireTimeout, p.target.Key)
	return coreerrors.New(coreerrors.CodePoolExhausted, "timed out waiting for a connection").
		WithDetail(coreerrors.DetailKey, p.target.Key)
}

func (p *targetPool) release(c *Conn) {
	c.session.Release()
	p.releaseSlot()
}

func (p *targetPool) releaseSlot() {
	p.mu.Lock()
	p.inUse--
	p.lastActive = p.now()
	p.mu.Unlock()
	p.sem.Release(1)
}

// closeIfIdle marks the pool closed when nothing uses or waits on it
func (p *targetPool) closeIfIdle(now time.Time, threshold time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.inUse > 0 || p.waiting > 0 || now.Sub(p.lastActive) < threshold {
		return false
	}
	p.closed = true
	return true
}

// markClosed stops new acquisitions; checked-out connections stay valid
func (p *targetPool) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *targetPool) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Key:        p.target.Key,
		InUse:      p.inUse,
		Waiting:    p.waiting,
		MaxConns:   p.cfg.MaxConns,
		Acquired:   p.acquired.Load(),
		Exhausted:  p.exhausted.Load(),
		Saturated:  p.saturated.Load(),
		LastActive: p.lastActive,
	}
}
