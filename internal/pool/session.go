package pool

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Session is a single database connection already confined to its target
type Session interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Schema() string

	// Release hands the connection back to the backend
	Release()
}

// Backend hands out sessions for one target
type Backend interface {
	Acquire(ctx context.Context) (Session, error)
	Close()
}

// Dialer opens backends for targets
type Dialer interface {
	Open(ctx context.Context, target Target) (Backend, error)
}

// errRow is returned by QueryRow when no session is available
type errRow struct {
	err error
}

func (r errRow) Scan(dest ...any) error {
	return r.err
}
