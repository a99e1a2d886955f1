package postgres

import (
	"context"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Export internal symbols for testing.
// This file is only compiled during testing.

var (
	ExportHighestPlaceholder = highestPlaceholder
	ExportCheckPlaceholders  = checkPlaceholders

	ExportValidate = func(opts ...Option) error {
		o := newOptions()
		for _, opt := range opts {
			opt(o)
		}

		return o.validate()
	}

	ExportConnectionString = func(opts ...Option) string {
		o := newOptions()
		for _, opt := range opts {
			opt(o)
		}

		return o.connectionString()
	}

	ExportLoadEnv = func(environ map[string]string) (*EnvConfig, error) {
		return loadEnv(env.Options{Environment: environ})
	}
)

// Conn exports the internal conn interface for testing.
type Conn = conn

// ConnPool exports the internal connPool interface for testing.
type ConnPool = connPool

// SetPool opens the pool on top of p without any network I/O.
func (p *Pool) SetPool(pl ConnPool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pool = pl
	p.sessions = make(map[string]*Session)
}

// SetConnector replaces the function Open uses to build the physical pool.
func (p *Pool) SetConnector(fn func(ctx context.Context, config *pgxpool.Config) (ConnPool, error)) {
	p.connect = fn
}

// SetClock replaces the clock used to stamp received notifications.
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
}
