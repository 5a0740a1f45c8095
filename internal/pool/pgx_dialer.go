package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	corelog "tenantgate/internal/core/log"
	"tenantgate/internal/core/storage/postgres"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDialer opens one pgxpool per distinct DSN. Targets that share a
// database but differ in schema share that pool; each acquired connection
// has its search_path set before hand-off.
type PgxDialer struct {
	ctx context.Context
	cfg Config

	mu        sync.Mutex
	databases map[string]*sharedDatabase
	seq       int
}

type sharedDatabase struct {
	storage *postgres.Storage
	refs    int
}

// NewPgxDialer creates a dialer whose pools live until ctx is cancelled
func NewPgxDialer(ctx context.Context, cfg Config) *PgxDialer {
	return &PgxDialer{
		ctx:       ctx,
		cfg:       cfg.withDefaults(),
		databases: make(map[string]*sharedDatabase),
	}
}

// Open returns a backend for target, reusing the database pool for its DSN
func (d *PgxDialer) Open(ctx context.Context, target Target) (Backend, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	if b := d.reuse(target); b != nil {
		return b, nil
	}

	// dial outside the lock so one unreachable database does not stall others
	d.mu.Lock()
	d.seq++
	name := fmt.Sprintf("db-%d", d.seq)
	d.mu.Unlock()

	// the database pool outlives the dial context, so it hangs off the dialer context
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	storage, err := postgres.New(d.ctx, &postgres.Config{
		DSN:             target.DSN,
		MaxConns:        d.cfg.MaxConnsPerDatabase,
		MaxConnIdleTime: d.cfg.ConnIdleTimeout,
		ConnectTimeout:  d.cfg.ConnectTimeout,
		Name:            name,
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.databases[target.DSN]; ok {
		// lost the race; keep the existing pool
		go storage.Close()
		db.refs++
		return d.newBackend(target, db), nil
	}
	db := &sharedDatabase{storage: storage, refs: 1}
	d.databases[target.DSN] = db
	return d.newBackend(target, db), nil
}

func (d *PgxDialer) reuse(target Target) Backend {
	d.mu.Lock()
	defer d.mu.Unlock()
	db, ok := d.databases[target.DSN]
	if !ok {
		return nil
	}
	db.refs++
	return d.newBackend(target, db)
}

func (d *PgxDialer) newBackend(target Target, db *sharedDatabase) *pgxBackend {
	return &pgxBackend{dialer: d, dsn: target.DSN, schema: target.Schema, db: db.storage}
}

// release drops one reference; the last one closes the database pool
func (d *PgxDialer) release(dsn string) {
	d.mu.Lock()
	db, ok := d.databases[dsn]
	if !ok {
		d.mu.Unlock()
		return
	}
	db.refs--
	if db.refs > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.databases, dsn)
	d.mu.Unlock()

	if err := db.storage.Close(); err != nil {
		corelog.Warnf("PgxDialer: closing %s: %v", db.storage.Name(), err)
	}
}

// Databases returns the number of open database pools
func (d *PgxDialer) Databases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.databases)
}

type pgxBackend struct {
	dialer    *PgxDialer
	dsn       string
	schema    string
	db        *postgres.Storage
	closeOnce sync.Once
}

func (b *pgxBackend) Acquire(ctx context.Context) (Session, error) {
	conn, err := b.db.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, SearchPathSQL(b.schema)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("set search_path: %w", err)
	}
	return &pgxSession{conn: conn, schema: b.schema}, nil
}

func (b *pgxBackend) Close() {
	b.closeOnce.Do(func() {
		b.dialer.release(b.dsn)
	})
}

// pgxSession is a pooled pgx connection confined to one schema
type pgxSession struct {
	conn   *pgxpool.Conn
	schema string
}

func (s *pgxSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.conn.Exec(ctx, sql, args...)
}

func (s *pgxSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.conn.Query(ctx, sql, args...)
}

func (s *pgxSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s *pgxSession) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.conn.Begin(ctx)
}

func (s *pgxSession) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *pgxSession) Schema() string {
	return s.schema
}

// Release resets search_path so the connection cannot leak into another
// schema; a connection that fails the reset is destroyed.
func (s *pgxSession) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.conn.Exec(ctx, "RESET search_path"); err != nil {
		corelog.Warnf("PgxDialer: reset search_path failed, discarding connection: %v", err)
		_ = s.conn.Conn().Close(ctx)
	}
	s.conn.Release()
}
