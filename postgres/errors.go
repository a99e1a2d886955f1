package postgres

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrPoolInit is returned by [Pool.Open] when the pool cannot be created
	// or the database cannot be reached.
	ErrPoolInit = errors.New("connection pool initialisation failed")

	// ErrPoolExhausted is returned when no connection became available within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned when the pool has not been opened, or has
	// been closed.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrAlreadyInUse is returned when a key is acquired while it is still
	// checked out.
	ErrAlreadyInUse = errors.New("connection key already in use")

	// ErrStatement is returned for malformed statements, placeholder/argument
	// mismatches, constraint violations and other errors raised by the
	// server for a single statement. The session stays usable.
	ErrStatement = errors.New("statement failed")

	// ErrConnectivity is returned when the connection behind a session is
	// lost. The session is dead afterwards and should be released.
	ErrConnectivity = errors.New("database connectivity lost")

	// ErrSessionClosed is returned when a released session is used.
	ErrSessionClosed = errors.New("session has been released")
)

// isConnectivityError reports whether err means the connection itself is
// gone, as opposed to a single statement failing.
func isConnectivityError(err error, closed bool) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsConnectionException(pgErr.Code) {
			return true
		}

		// Class 57 also carries query_canceled, which is what a statement
		// timeout raises.
		return pgerrcode.IsOperatorIntervention(pgErr.Code) && pgErr.Code != pgerrcode.QueryCanceled
	}

	if closed {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && !netErr.Timeout()
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
