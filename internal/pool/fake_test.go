package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDialer struct {
	mu       sync.Mutex
	opens    atomic.Int32
	openErr  error
	backends map[string]*fakeBackend

	// gate, when set, holds Open until closed
	gate       chan struct{}
	dialCtxErr error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{backends: make(map[string]*fakeBackend)}
}

func (d *fakeDialer) Open(ctx context.Context, target Target) (Backend, error) {
	d.opens.Add(1)
	if d.gate != nil {
		<-d.gate
		d.mu.Lock()
		d.dialCtxErr = ctx.Err()
		d.mu.Unlock()
	}
	if d.openErr != nil {
		return nil, d.openErr
	}
	b := &fakeBackend{target: target}
	d.mu.Lock()
	d.backends[target.Key] = b
	d.mu.Unlock()
	return b, nil
}

func (d *fakeDialer) backend(key string) *fakeBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backends[key]
}

type fakeBackend struct {
	target     Target
	acquireErr error
	stall      atomic.Bool
	closed     atomic.Bool
	released   atomic.Int32
	tx         fakeTx
}

func (b *fakeBackend) Acquire(ctx context.Context) (Session, error) {
	if b.stall.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	return &fakeSession{backend: b}, nil
}

func (b *fakeBackend) Close() {
	b.closed.Store(true)
}

type fakeSession struct {
	backend *fakeBackend
}

func (s *fakeSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (s *fakeSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by fake")
}

func (s *fakeSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{}
}

func (s *fakeSession) Begin(ctx context.Context) (pgx.Tx, error) {
	return &s.backend.tx, nil
}

func (s *fakeSession) Ping(ctx context.Context) error { return nil }
func (s *fakeSession) Schema() string                 { return s.backend.target.Schema }
func (s *fakeSession) Release()                       { s.backend.released.Add(1) }

type fakeRow struct{}

func (fakeRow) Scan(dest ...any) error {
	if p, ok := dest[0].(*int); ok {
		*p = 1
	}
	return nil
}

// fakeTx implements only the pgx.Tx methods WithTx uses
type fakeTx struct {
	pgx.Tx
	commits   atomic.Int32
	rollbacks atomic.Int32
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.commits.Add(1)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbacks.Add(1)
	return nil
}
