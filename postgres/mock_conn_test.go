package postgres_test

import (
	"context"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/slackmgr/pgstream/logging"
	postgres "github.com/slackmgr/pgstream/postgres"
	"github.com/slackmgr/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// mockConn is a leased connection backed by pgxmock, with hand-rolled
// notification and lifecycle behaviour on top.
type mockConn struct {
	pgxmock.PgxConnIface

	notifications chan *pgconn.Notification
	waitErrs      chan error
	waiting       chan struct{}
	closeOnErr    bool

	closed   atomic.Bool
	txStatus atomic.Int32
	released atomic.Int32
}

func newMockConn(t *testing.T) *mockConn {
	t.Helper()

	mock, err := pgxmock.NewConn()
	require.NoError(t, err)

	m := &mockConn{
		PgxConnIface:  mock,
		notifications: make(chan *pgconn.Notification, 16),
		waitErrs:      make(chan error, 1),
		waiting:       make(chan struct{}, 16),
	}
	m.txStatus.Store('I')

	return m
}

// WaitForNotification hands out already received notifications before it
// looks at ctx, like pgx does.
func (m *mockConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-m.notifications:
		return n, nil
	default:
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case m.waiting <- struct{}{}:
	default:
	}

	select {
	case n := <-m.notifications:
		return n, nil
	case err := <-m.waitErrs:
		if m.closeOnErr {
			m.closed.Store(true)
		}

		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockConn) TxStatus() byte { return byte(m.txStatus.Load()) }
func (m *mockConn) IsClosed() bool { return m.closed.Load() }
func (m *mockConn) Release()       { m.released.Add(1) }

func (m *mockConn) notify(channel, payload string) {
	m.notifications <- &pgconn.Notification{PID: 42, Channel: channel, Payload: payload}
}

// mockPool hands out queued connections.
type mockPool struct {
	conns      chan postgres.Conn
	acquireErr error
	pingErr    error
	closed     atomic.Bool
}

func newMockPool(conns ...postgres.Conn) *mockPool {
	p := &mockPool{conns: make(chan postgres.Conn, len(conns)+1)}
	for _, c := range conns {
		p.conns <- c
	}

	return p
}

//nolint:ireturn
func (p *mockPool) Acquire(ctx context.Context) (postgres.Conn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}

	select {
	case c := <-p.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *mockPool) Ping(_ context.Context) error { return p.pingErr }
func (p *mockPool) Stat() *pgxpool.Stat          { return nil }
func (p *mockPool) Close()                       { p.closed.Store(true) }

func newObservedLogger() (types.Logger, *observer.ObservedLogs) { //nolint:ireturn
	core, logs := observer.New(zapcore.DebugLevel)
	return logging.NewZap(zap.New(core)), logs
}

func testOptions(extra ...postgres.Option) []postgres.Option {
	return append([]postgres.Option{
		postgres.WithUser("testuser"),
		postgres.WithDatabase("testdb"),
	}, extra...)
}

// newPoolWithMocks returns an open pool whose connections are the given
// mocks.
func newPoolWithMocks(t *testing.T, opts []postgres.Option, conns ...*mockConn) (*postgres.Pool, *mockPool) {
	t.Helper()

	pcs := make([]postgres.Conn, len(conns))
	for i, c := range conns {
		pcs[i] = c
	}

	mp := newMockPool(pcs...)
	p := postgres.New(testOptions(opts...)...)
	p.SetPool(mp)

	return p, mp
}

func expectProbe(m *mockConn) {
	m.ExpectBegin()
	m.ExpectQuery(regexp.QuoteMeta("SELECT version()")).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow("PostgreSQL 16.2"))
	m.ExpectCommit()
}

// acquire checks out key on p, expecting the version probe on m.
func acquire(t *testing.T, p *postgres.Pool, m *mockConn, key string) *postgres.Session {
	t.Helper()

	expectProbe(m)

	s, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)

	return s
}
