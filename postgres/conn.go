package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// conn is the leased connection a Session drives. It is satisfied by
// pgxConn and can be mocked for testing.
type conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	TxStatus() byte
	IsClosed() bool
	Release()
}

// connPool is the physical pool behind a Pool. It is satisfied by pgxPool
// and can be mocked for testing.
type connPool interface {
	Acquire(ctx context.Context) (conn, error)
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
	Close()
}

type pgxPool struct {
	*pgxpool.Pool
}

//nolint:ireturn
func (p pgxPool) Acquire(ctx context.Context) (conn, error) {
	c, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	return pgxConn{Conn: c}, nil
}

type pgxConn struct {
	*pgxpool.Conn
}

func (c pgxConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.Conn.Conn().WaitForNotification(ctx)
}

func (c pgxConn) TxStatus() byte {
	return c.Conn.Conn().PgConn().TxStatus()
}

func (c pgxConn) IsClosed() bool {
	return c.Conn.Conn().IsClosed()
}

func connect(ctx context.Context, config *pgxpool.Config) (connPool, error) { //nolint:ireturn
	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return pgxPool{Pool: p}, nil
}
