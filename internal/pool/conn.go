package pool

import (
	"context"
	"sync/atomic"
	"time"

	coreerrors "tenantgate/internal/core/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is a checked-out connection; its isolation key never changes
type Conn struct {
	key        string
	schema     string
	session    Session
	acquiredAt time.Time
	released   atomic.Bool
	owner      *targetPool
}

func (c *Conn) Key() string           { return c.key }
func (c *Conn) AcquiredAt() time.Time { return c.acquiredAt }
func (c *Conn) InUse() bool           { return !c.released.Load() }

// Schema the session is confined to
func (c *Conn) Schema() string { return c.schema }

// Session returns the underlying session, nil after release
func (c *Conn) Session() Session {
	if c.released.Load() {
		return nil
	}
	return c.session
}

var errConnReleased = coreerrors.New(coreerrors.CodeResourceClosed, "connection already released")

func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if c.released.Load() {
		return pgconn.CommandTag{}, errConnReleased
	}
	return c.session.Exec(ctx, sql, args...)
}

func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if c.released.Load() {
		return nil, errConnReleased
	}
	return c.session.Query(ctx, sql, args...)
}

func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if c.released.Load() {
		return errRow{err: errConnReleased}
	}
	return c.session.QueryRow(ctx, sql, args...)
}

func (c *Conn) Begin(ctx context.Context) (pgx.Tx, error) {
	if c.released.Load() {
		return nil, errConnReleased
	}
	return c.session.Begin(ctx)
}

// Release returns the connection to its pool; later calls are no-ops
func (c *Conn) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.owner.release(c)
}
