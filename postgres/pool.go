package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slackmgr/pgstream/logging"
	"github.com/slackmgr/types"
)

// Pool leases pooled connections under caller-chosen keys. A key is checked
// out by at most one holder at a time; every physical connection is either
// idle in the underlying pgxpool or checked out under exactly one key.
type Pool struct {
	opts    *options
	logger  types.Logger
	connect func(ctx context.Context, config *pgxpool.Config) (connPool, error)

	mu       sync.Mutex
	pool     connPool
	sessions map[string]*Session // nil value: key reserved while acquiring
}

// Stat is a snapshot of pool usage.
type Stat struct {
	MinConns   int32
	MaxConns   int32
	TotalConns int32
	IdleConns  int32
	CheckedOut int
}

func New(opts ...Option) *Pool {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = logging.Nop()
	}

	return &Pool{
		opts:    o,
		logger:  o.logger.WithField("plugin", "postgres"),
		connect: connect,
	}
}

// Open creates the underlying connection pool and pings the database. It is
// a no-op when the pool is already open. A closed pool may be opened again.
func (p *Pool) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		return nil
	}

	if err := p.opts.validate(); err != nil {
		return fmt.Errorf("invalid Postgres db configuration: %w: %w", ErrPoolInit, err)
	}

	config, err := pgxpool.ParseConfig(p.opts.connectionString())
	if err != nil {
		return fmt.Errorf("failed to parse Postgres db connection string: %w: %w", ErrPoolInit, err)
	}

	minConns, maxConns := p.opts.poolSizes()

	if maxConns != nil {
		config.MaxConns = *maxConns
	}

	if minConns != nil {
		config.MinConns = *minConns
	}

	if p.opts.poolMaxConnectionLifetime != nil {
		config.MaxConnLifetime = *p.opts.poolMaxConnectionLifetime
	}

	if p.opts.poolMaxConnectionIdleTime != nil {
		config.MaxConnIdleTime = *p.opts.poolMaxConnectionIdleTime
	}

	if p.opts.poolHealthCheckPeriod != nil {
		config.HealthCheckPeriod = *p.opts.poolHealthCheckPeriod
	}

	if p.opts.statementTimeout > 0 {
		config.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(p.opts.statementTimeout.Milliseconds(), 10)
	}

	pl, err := p.connect(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create new Postgres connection pool: %w: %w", ErrPoolInit, err)
	}

	if err := pl.Ping(ctx); err != nil {
		pl.Close()
		return fmt.Errorf("failed to ping Postgres db: %w: %w", ErrPoolInit, err)
	}

	p.pool = pl
	p.sessions = make(map[string]*Session)

	p.logger.WithFields(map[string]any{
		"min_conns": config.MinConns,
		"max_conns": config.MaxConns,
	}).Infof("Connection pool created to PostgreSQL database %s on %s", p.opts.database, config.ConnConfig.Host)

	return nil
}

// Acquire checks out a connection under key. It fails with ErrAlreadyInUse
// when key is held or being acquired, ErrPoolExhausted when no connection
// frees up within the acquire timeout, and ErrPoolClosed when the pool is
// not open.
func (p *Pool) Acquire(ctx context.Context, key string) (*Session, error) {
	logger := p.logger.WithField("key", key)

	p.mu.Lock()

	pl := p.pool
	if pl == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to acquire connection [%s]: %w", key, ErrPoolClosed)
	}

	if _, inUse := p.sessions[key]; inUse {
		p.mu.Unlock()
		logger.Info("Connection key is already in use")

		return nil, fmt.Errorf("failed to acquire connection [%s]: %w", key, ErrAlreadyInUse)
	}

	p.sessions[key] = nil
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.opts.acquireTimeout)
	defer cancel()

	c, err := pl.Acquire(acquireCtx)
	if err != nil {
		p.unreserve(pl, key)
		return nil, p.acquireError(ctx, key, err)
	}

	s := newSession(key, p, c, logger)

	p.mu.Lock()

	if p.pool != pl {
		p.mu.Unlock()
		c.Release()

		return nil, fmt.Errorf("failed to acquire connection [%s]: %w", key, ErrPoolClosed)
	}

	p.sessions[key] = s
	p.mu.Unlock()

	logger.Info("Connection retrieved from pool")

	if err := p.probe(ctx, s); err != nil {
		if p.opts.failFastProbe {
			_ = p.Release(ctx, key)
			return nil, fmt.Errorf("%w: %w", ErrConnectivity, err)
		}

		logger.Infof("Connection probe failed: %v", err)
	}

	return s, nil
}

func (p *Pool) acquireError(ctx context.Context, key string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("failed to acquire connection [%s]: %w", key, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		p.logger.WithField("key", key).Errorf("No connection available within %s", p.opts.acquireTimeout)
		return fmt.Errorf("failed to acquire connection [%s]: %w", key, ErrPoolExhausted)
	default:
		p.mu.Lock()
		closed := p.pool == nil
		p.mu.Unlock()

		if closed {
			return fmt.Errorf("failed to acquire connection [%s]: %w", key, ErrPoolClosed)
		}

		return fmt.Errorf("failed to acquire connection [%s]: %w: %w", key, ErrConnectivity, err)
	}
}

func (p *Pool) unreserve(pl connPool, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != pl {
		return
	}

	if s, ok := p.sessions[key]; ok && s == nil {
		delete(p.sessions, key)
	}
}

func (p *Pool) probe(ctx context.Context, s *Session) error {
	version, err := s.ServerVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe connection [%s]: %w", s.key, err)
	}

	s.logger.Infof("You are connected to - %s", version)

	return nil
}

// Release returns the connection held under key to the pool. Any open
// transaction is rolled back and any LISTEN registration is dropped first.
// Releasing an unknown key logs a warning and returns nil.
func (p *Pool) Release(ctx context.Context, key string) error {
	p.mu.Lock()

	s, ok := p.sessions[key]
	if !ok || s == nil {
		p.mu.Unlock()
		p.logger.WithField("key", key).Info("Connection key is not in use, nothing to release")

		return nil
	}

	delete(p.sessions, key)
	p.mu.Unlock()

	return s.release(ctx)
}

// WithSession acquires key, runs fn and releases key on every exit path. A
// panic in fn is re-raised after the release. An interrupt signal cancels
// the context passed to fn.
func (p *Pool) WithSession(ctx context.Context, key string, fn func(ctx context.Context, s *Session) error) (err error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	s, err := p.Acquire(ctx, key)
	if err != nil {
		return err
	}

	defer func() {
		//nolint:contextcheck // Release must run even when ctx is cancelled.
		if releaseErr := s.Close(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	return fn(ctx, s)
}

// Close releases every checked-out session and closes the underlying pool.
// Subsequent acquires fail with ErrPoolClosed until the pool is reopened.
func (p *Pool) Close() {
	p.mu.Lock()

	pl := p.pool
	if pl == nil {
		p.mu.Unlock()
		return
	}

	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}

	p.pool = nil
	p.sessions = nil
	p.mu.Unlock()

	for _, s := range sessions {
		if err := s.release(context.Background()); err != nil {
			s.logger.Errorf("Failed to reset connection on pool close: %v", err)
		}
	}

	pl.Close()

	p.logger.Info("Connection pool closed")
}

// Keys returns the currently checked-out keys in sorted order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.sessions))
	for k, s := range p.sessions {
		if s != nil {
			keys = append(keys, k)
		}
	}

	slices.Sort(keys)

	return keys
}

func (p *Pool) Stat() Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	minConns, maxConns := p.opts.poolSizes()

	var st Stat

	if minConns != nil {
		st.MinConns = *minConns
	}

	if maxConns != nil {
		st.MaxConns = *maxConns
	}

	for _, s := range p.sessions {
		if s != nil {
			st.CheckedOut++
		}
	}

	if p.pool == nil {
		return st
	}

	if ps := p.pool.Stat(); ps != nil {
		st.MaxConns = ps.MaxConns()
		st.TotalConns = ps.TotalConns()
		st.IdleConns = ps.IdleConns()
	}

	return st
}
