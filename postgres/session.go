package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/slackmgr/types"
)

// Session is a connection checked out of a Pool under a key.
//
// A session may be shared between one goroutine waiting for notifications
// and others running statements. Statements preempt an in-flight wait, run
// to completion and the wait resumes afterwards; the two never interleave on
// the connection.
type Session struct {
	key    string
	pool   *Pool
	conn   conn
	logger types.Logger
	now    func() time.Time

	mu      sync.Mutex // owns conn
	idle    *sync.Cond
	pending atomic.Int32

	waitMu    sync.Mutex
	interrupt context.CancelFunc

	backlogMu sync.Mutex
	backlog   []Notification

	listening map[string]struct{} // guarded by mu
	released  atomic.Bool

	errMu sync.Mutex
	err   error
}

func newSession(key string, pool *Pool, c conn, logger types.Logger) *Session {
	s := &Session{
		key:       key,
		pool:      pool,
		conn:      c,
		logger:    logger,
		now:       time.Now,
		listening: make(map[string]struct{}),
	}

	s.idle = sync.NewCond(&s.mu)

	return s
}

func (s *Session) Key() string {
	return s.key
}

// Err returns the connectivity error that killed the session, or nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

// Close releases the session back to its pool. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.released.Load() {
		return nil
	}

	return s.pool.Release(context.Background(), s.key)
}

// WaitReadable blocks until at least one notification is buffered, ctx is
// done, or the connection fails. It returns nil when notifications are
// ready to be popped.
func (s *Session) WaitReadable(ctx context.Context) error {
	for {
		if s.hasBacklog() {
			return nil
		}

		s.mu.Lock()

		for s.pending.Load() > 0 {
			s.idle.Wait()
		}

		if err := s.usable(); err != nil {
			s.mu.Unlock()
			return err
		}

		n, preempted, err := s.waitLocked(ctx)

		switch {
		case err != nil:
			err = s.classify(err)
		case n != nil:
			s.push(newNotification(n, s.now()))
			s.collectLocked()
		}

		s.mu.Unlock()

		switch {
		case preempted:
			continue
		case err != nil:
			return err
		case n != nil:
			return nil
		}
	}
}

// Collect moves notifications the driver has already received onto the
// backlog without blocking, preempting any in-flight wait. Statements run on
// a listening connection leave such notifications behind. It returns the
// number collected.
func (s *Session) Collect() int {
	if s.released.Load() {
		return 0
	}

	s.pending.Add(1)
	s.preemptWait()
	s.mu.Lock()

	defer func() {
		s.pending.Add(-1)
		s.idle.Broadcast()
		s.mu.Unlock()
	}()

	if s.released.Load() {
		return 0
	}

	return s.collectLocked()
}

// collectLocked must be called with mu held. The driver returns buffered
// notifications before it checks ctx, so a done ctx never blocks.
func (s *Session) collectLocked() int {
	done, cancel := context.WithCancel(context.Background())
	cancel()

	count := 0

	for {
		n, err := s.conn.WaitForNotification(done)
		if err != nil || n == nil {
			return count
		}

		s.push(newNotification(n, s.now()))
		count++
	}
}

// waitLocked waits on the connection. It reports preempted when a statement
// interrupted the wait rather than ctx.
func (s *Session) waitLocked(ctx context.Context) (*pgconn.Notification, bool, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.waitMu.Lock()
	s.interrupt = cancel
	s.waitMu.Unlock()

	defer func() {
		s.waitMu.Lock()
		s.interrupt = nil
		s.waitMu.Unlock()
	}()

	// A statement may have queued up between the idle check and
	// publishing the interrupt.
	if s.pending.Load() > 0 {
		return nil, true, nil
	}

	n, err := s.conn.WaitForNotification(waitCtx)
	if err != nil && ctx.Err() == nil && waitCtx.Err() != nil && !s.conn.IsClosed() {
		return nil, true, nil
	}

	return n, false, err
}

func (s *Session) preemptWait() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	if s.interrupt != nil {
		s.interrupt()
	}
}

// PopNotification removes the oldest buffered notification.
func (s *Session) PopNotification() (Notification, bool) {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()

	if len(s.backlog) == 0 {
		return Notification{}, false
	}

	n := s.backlog[0]
	s.backlog[0] = Notification{}
	s.backlog = s.backlog[1:]

	return n, true
}

func (s *Session) push(n Notification) {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()

	s.backlog = append(s.backlog, n)
}

func (s *Session) hasBacklog() bool {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()

	return len(s.backlog) > 0
}

// use runs fn with exclusive access to the connection, preempting any wait.
func (s *Session) use(fn func(c conn) error) error {
	s.pending.Add(1)
	s.preemptWait()
	s.mu.Lock()

	defer func() {
		s.pending.Add(-1)
		s.idle.Broadcast()
		s.mu.Unlock()
	}()

	if err := s.usable(); err != nil {
		return err
	}

	return fn(s.conn)
}

func (s *Session) usable() error {
	if s.released.Load() {
		return fmt.Errorf("session [%s]: %w", s.key, ErrSessionClosed)
	}

	if err := s.Err(); err != nil {
		return fmt.Errorf("session [%s]: %w", s.key, err)
	}

	return nil
}

// classify maps a driver error onto ErrConnectivity or ErrStatement. Context
// errors pass through unchanged while the connection survives them.
func (s *Session) classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrStatement) || errors.Is(err, ErrConnectivity) {
		return err
	}

	if isConnectivityError(err, s.conn.IsClosed()) {
		err = fmt.Errorf("%w: %w", ErrConnectivity, err)

		s.errMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.errMu.Unlock()

		s.logger.Errorf("Connection lost: %v", err)

		return err
	}

	if isContextError(err) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrStatement, err)
}

func (s *Session) release(ctx context.Context) error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}

	s.pending.Add(1)
	s.preemptWait()
	s.mu.Lock()
	s.pending.Add(-1)
	s.idle.Broadcast()

	defer s.mu.Unlock()

	var err error

	if !s.conn.IsClosed() {
		resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pool.opts.resetTimeout)
		err = s.reset(resetCtx)

		cancel()
	}

	s.conn.Release()

	if err != nil {
		s.logger.Errorf("Connection returned to pool after failed reset: %v", err)
		return err
	}

	s.logger.Info("Connection returned to pool")

	return nil
}

func (s *Session) reset(ctx context.Context) error {
	if s.conn.TxStatus() != 'I' {
		if _, err := s.conn.Exec(ctx, "ROLLBACK"); err != nil {
			return fmt.Errorf("failed to roll back open transaction [%s]: %w", s.key, err)
		}
	}

	if len(s.listening) > 0 {
		if _, err := s.conn.Exec(ctx, "UNLISTEN *"); err != nil {
			return fmt.Errorf("failed to unlisten [%s]: %w", s.key, err)
		}

		clear(s.listening)
	}

	return nil
}
