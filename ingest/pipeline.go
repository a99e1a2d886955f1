package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/slackmgr/pgstream/postgres"
	"github.com/slackmgr/pgstream/tail"
	"github.com/slackmgr/types"
	"golang.org/x/sync/errgroup"
)

const maxRetryDelay = 30 * time.Second

var errNoWatcher = errors.New("pipeline has no watcher, see WithWatcher")

// Executor runs a single statement. *postgres.Session implements it.
type Executor interface {
	Execute(ctx context.Context, statement string, arity postgres.Arity, args ...any) (*postgres.Result, error)
}

// Stats counts what happened to the lines of one IngestFile call.
type Stats struct {
	Lines    int
	Inserted int
	Skipped  int
	Failed   int
}

// Pipeline inserts the lines appended to watched files into a table, one
// row per line, through a keyed session.
type Pipeline struct {
	key       string
	statement string
	opts      *options
	logger    types.Logger

	acquire func(ctx context.Context, key string) (Executor, error)
	release func(ctx context.Context, key string) error
}

func New(pool *postgres.Pool, key, statement string, opts ...Option) (*Pipeline, error) {
	if pool == nil {
		return nil, errors.New("pool must not be nil")
	}

	if key == "" {
		return nil, errors.New("session key must not be empty")
	}

	if statement == "" {
		return nil, errors.New("insert statement must not be empty")
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("invalid ingest options: %w", err)
	}

	if o.store == nil {
		o.store = tail.NewFileStore()
	}

	return &Pipeline{
		key:       key,
		statement: statement,
		opts:      o,
		logger:    o.logger.WithField("key", key),
		acquire: func(ctx context.Context, key string) (Executor, error) {
			s, err := pool.Acquire(ctx, key)
			if err != nil {
				return nil, err
			}

			return s, nil
		},
		release: pool.Release,
	}, nil
}

// IngestFile inserts every new line of path. A line that fails to parse or
// is rejected by the server is counted and reported, and the rest of the
// file is still processed. A connectivity error stops the file at the
// failing line, which the next call reads again; the returned error then
// wraps postgres.ErrConnectivity.
func (p *Pipeline) IngestFile(ctx context.Context, exec Executor, path string) (Stats, error) {
	logger := p.logger.WithField("path", path)
	tl := tail.NewTailer(path, p.opts.store, tail.WithLogger(p.logger))

	var (
		stats  Stats
		result *multierror.Error
	)

	for line, err := range tl.Lines(ctx) {
		if err != nil {
			result = multierror.Append(result, err)
			break
		}

		stats.Lines++

		args, err := p.opts.parser(line)
		if errors.Is(err, ErrSkipLine) {
			stats.Skipped++
			continue
		}

		if err != nil {
			stats.Failed++
			result = multierror.Append(result, fmt.Errorf("failed to parse line %q: %w", line, err))

			continue
		}

		if _, err := exec.Execute(ctx, p.statement, postgres.None, args...); err != nil {
			stats.Failed++
			result = multierror.Append(result, fmt.Errorf("failed to insert line %q: %w", line, err))

			if errors.Is(err, postgres.ErrStatement) {
				logger.Errorf("Failed to insert line: %v", err)
				continue
			}

			logger.Errorf("Stopped ingesting file: %v", err)

			break
		}

		stats.Inserted++
	}

	logger.WithFields(map[string]any{
		"lines":    stats.Lines,
		"inserted": stats.Inserted,
		"skipped":  stats.Skipped,
		"failed":   stats.Failed,
	}).Info("File ingested")

	return stats, result.ErrorOrNil()
}

// Run acquires the pipeline's session, runs the create statement, and
// ingests each file the watcher reports until ctx is cancelled. When the
// connection is lost the key is released and a new session acquired with
// exponential backoff; Run returns an error only when that fails.
func (p *Pipeline) Run(ctx context.Context) error {
	w := p.opts.watcher
	if w == nil {
		return errNoWatcher
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	defer func() {
		if err := w.Stop(); err != nil {
			p.logger.Errorf("Failed to stop watcher: %v", err)
		}
	}()

	pending := newPathSet()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer pending.close()

		for {
			select {
			case path, ok := <-w.Events():
				if !ok {
					return nil
				}

				pending.add(path)
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		return p.ingestLoop(gctx, pending)
	})

	return g.Wait()
}

func (p *Pipeline) ingestLoop(ctx context.Context, pending *pathSet) error {
	exec, err := p.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	defer p.disconnect(ctx)

	for {
		path, ok := pending.next(ctx)
		if !ok {
			return nil
		}

		for {
			_, err := p.IngestFile(ctx, exec, path)
			if err == nil || ctx.Err() != nil {
				break
			}

			if !errors.Is(err, postgres.ErrConnectivity) && !errors.Is(err, postgres.ErrSessionClosed) {
				p.logger.WithField("path", path).Errorf("File ingested with errors: %v", err)
				break
			}

			p.logger.Info("Connection lost while ingesting, acquiring a new session")
			p.disconnect(ctx)

			exec, err = p.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return err
			}
		}
	}
}

func (p *Pipeline) connect(ctx context.Context) (Executor, error) {
	var exec Executor

	err := retry.Do(
		func() error {
			e, err := p.acquire(ctx, p.key)
			if err != nil {
				return err
			}

			if p.opts.createStatement != "" {
				if _, err := e.Execute(ctx, p.opts.createStatement, postgres.None); err != nil {
					p.disconnect(ctx)
					return fmt.Errorf("failed to run create statement: %w", err)
				}
			}

			exec = e

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.opts.retryAttempts),
		retry.Delay(p.opts.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(maxRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Infof("Failed to acquire session (attempt %d): %v", n+1, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session %q: %w", p.key, err)
	}

	return exec, nil
}

func (p *Pipeline) disconnect(ctx context.Context) {
	if err := p.release(context.WithoutCancel(ctx), p.key); err != nil {
		p.logger.Errorf("Failed to release session: %v", err)
	}
}

func retryable(err error) bool {
	return errors.Is(err, postgres.ErrConnectivity) ||
		errors.Is(err, postgres.ErrPoolExhausted) ||
		errors.Is(err, postgres.ErrAlreadyInUse)
}
