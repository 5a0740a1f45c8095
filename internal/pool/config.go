package pool

import "time"

// Config connection pool manager configuration
type Config struct {
	MaxConns       int           `yaml:"max_conns"`       // in-use ceiling per isolation key
	MaxWaiters     int           `yaml:"max_waiters"`     // queued callers per key before failing fast
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // wait bound when the ceiling is reached

	PoolIdleThreshold time.Duration `yaml:"pool_idle_threshold"` // dormant pools older than this are torn down
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	ConnIdleTimeout     time.Duration `yaml:"conn_idle_timeout"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	MaxConnsPerDatabase int32         `yaml:"max_conns_per_database"` // shared pgxpool size per DSN
}

// DefaultConfig returns default pool configuration
func DefaultConfig() Config {
	return Config{
		MaxConns:            10,
		MaxWaiters:          50,
		AcquireTimeout:      5 * time.Second,
		PoolIdleThreshold:   10 * time.Minute,
		SweepInterval:       time.Minute,
		ConnIdleTimeout:     30 * time.Second,
		ConnectTimeout:      10 * time.Second,
		MaxConnsPerDatabase: 50,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConns <= 0 {
		c.MaxConns = def.MaxConns
	}
	if c.MaxWaiters < 0 {
		c.MaxWaiters = 0
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.PoolIdleThreshold <= 0 {
		c.PoolIdleThreshold = def.PoolIdleThreshold
	}
	if c.ConnIdleTimeout <= 0 {
		c.ConnIdleTimeout = def.ConnIdleTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.MaxConnsPerDatabase <= 0 {
		c.MaxConnsPerDatabase = def.MaxConnsPerDatabase
	}
	return c
}
