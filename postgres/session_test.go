package postgres_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	postgres "github.com/slackmgr/pgstream/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionWithMock(t *testing.T, opts ...postgres.Option) (*postgres.Session, *mockConn) {
	t.Helper()

	c := newMockConn(t)
	p, _ := newPoolWithMocks(t, opts, c)

	return acquire(t, p, c, "test"), c
}

// =============================================================================
// Execute
// =============================================================================

func TestExecute(t *testing.T) {
	t.Parallel()

	t.Run("many returns every row in order", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectQuery("SELECT id, name FROM audit WHERE id > \\$1").
			WithArgs(10).
			WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).
				AddRow(11, "a").
				AddRow(12, "b").
				AddRow(13, "c"))
		c.ExpectCommit()

		res, err := s.Execute(context.Background(), "SELECT id, name FROM audit WHERE id > $1", postgres.Many, 10)
		require.NoError(t, err)
		require.Len(t, res.Rows, 3)

		assert.Equal(t, []string{"id", "name"}, res.Rows[0].Columns())
		assert.Equal(t, []any{11, "a"}, res.Rows[0].Values())
		assert.Equal(t, []any{13, "c"}, res.Rows[2].Values())

		name, ok := res.Rows[1].Get("name")
		assert.True(t, ok)
		assert.Equal(t, "b", name)

		require.NoError(t, c.ExpectationsWereMet())
	})

	t.Run("one returns only the first row", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectQuery("SELECT id FROM audit").
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
		c.ExpectCommit()

		res, err := s.Execute(context.Background(), "SELECT id FROM audit", postgres.One)
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)

		row, ok := res.One()
		require.True(t, ok)
		assert.Equal(t, map[string]any{"id": 1}, row.Map())
	})

	t.Run("none reports affected rows", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectExec("INSERT INTO lines").
			WithArgs("hello").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		c.ExpectCommit()

		res, err := s.Execute(context.Background(), "INSERT INTO lines (line) VALUES ($1)", postgres.None, "hello")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.RowsAffected)
		assert.True(t, res.Empty())
	})

	t.Run("statement without result set yields no rows for any arity", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		for range 2 {
			c.ExpectBegin()
			c.ExpectQuery("CREATE TABLE").WillReturnRows(pgxmock.NewRows([]string{}))
			c.ExpectCommit()
		}

		for _, arity := range []postgres.Arity{postgres.One, postgres.Many} {
			res, err := s.Execute(context.Background(), "CREATE TABLE IF NOT EXISTS t (id int)", arity)
			require.NoError(t, err)
			assert.True(t, res.Empty())

			_, ok := res.One()
			assert.False(t, ok)
		}
	})

	t.Run("no rows error is an empty result", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectQuery("SELECT").WillReturnError(pgx.ErrNoRows)
		c.ExpectCommit()

		res, err := s.Execute(context.Background(), "SELECT 1 WHERE false", postgres.One)
		require.NoError(t, err)
		assert.True(t, res.Empty())
	})

	t.Run("placeholder mismatch is rejected before any I/O", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		_, err := s.Execute(context.Background(), "INSERT INTO t VALUES ($1, $2)", postgres.None, "only one")
		require.ErrorIs(t, err, postgres.ErrStatement)
		require.NoError(t, c.ExpectationsWereMet())
		require.NoError(t, s.Err())
	})

	t.Run("server error is a statement error and keeps the session usable", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectExec("INSERT INTO t").WithArgs(1).WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key"})
		c.ExpectRollback()

		_, err := s.Execute(context.Background(), "INSERT INTO t VALUES ($1)", postgres.None, 1)
		require.ErrorIs(t, err, postgres.ErrStatement)

		var pgErr *pgconn.PgError
		require.ErrorAs(t, err, &pgErr)
		assert.Equal(t, pgerrcode.UniqueViolation, pgErr.Code)
		require.NoError(t, s.Err())

		c.ExpectBegin()
		c.ExpectExec("INSERT INTO t").WithArgs(2).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		c.ExpectCommit()

		_, err = s.Execute(context.Background(), "INSERT INTO t VALUES ($1)", postgres.None, 2)
		require.NoError(t, err)
	})

	t.Run("statement timeout is a statement error", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectQuery("SELECT pg_sleep").WillReturnError(&pgconn.PgError{Code: pgerrcode.QueryCanceled})
		c.ExpectRollback()

		_, err := s.Execute(context.Background(), "SELECT pg_sleep(10)", postgres.One)
		require.ErrorIs(t, err, postgres.ErrStatement)
		require.NoError(t, s.Err())
	})

	t.Run("lost connection kills the session", func(t *testing.T) {
		t.Parallel()

		logger, logs := newObservedLogger()
		s, c := newSessionWithMock(t, postgres.WithLogger(logger))

		c.ExpectBegin()
		c.ExpectQuery("SELECT").WillReturnError(&pgconn.PgError{Code: pgerrcode.AdminShutdown})
		c.ExpectRollback()

		_, err := s.Execute(context.Background(), "SELECT 1", postgres.One)
		require.ErrorIs(t, err, postgres.ErrConnectivity)
		require.ErrorIs(t, s.Err(), postgres.ErrConnectivity)
		assert.Equal(t, 1, logs.FilterMessageSnippet("Connection lost").Len())

		_, err = s.Execute(context.Background(), "SELECT 1", postgres.One)
		require.ErrorIs(t, err, postgres.ErrConnectivity)
		require.NoError(t, c.ExpectationsWereMet())
	})

	t.Run("closed connection is a connectivity error", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.closed.Store(true)
		c.ExpectBegin().WillReturnError(errors.New("conn closed"))

		_, err := s.Execute(context.Background(), "SELECT 1", postgres.One)
		require.ErrorIs(t, err, postgres.ErrConnectivity)
	})

	t.Run("cancellation is returned as the context error", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin().WillReturnError(context.Canceled)

		_, err := s.Execute(context.Background(), "SELECT 1", postgres.One)
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, postgres.ErrStatement)
		assert.NotErrorIs(t, err, postgres.ErrConnectivity)
		require.NoError(t, s.Err())
	})
}

// =============================================================================
// Convenience operations
// =============================================================================

func TestConvenienceOperations(t *testing.T) {
	t.Parallel()

	t.Run("server version", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)
		expectProbe(c)

		v, err := s.ServerVersion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "PostgreSQL 16.2", v)
	})

	t.Run("select row and rows", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectQuery("SELECT \\* FROM audit").WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
		c.ExpectCommit()
		c.ExpectBegin()
		c.ExpectQuery("SELECT \\* FROM audit").WillReturnRows(pgxmock.NewRows([]string{"id"}))
		c.ExpectCommit()

		rows, err := s.SelectRows(context.Background(), "SELECT * FROM audit")
		require.NoError(t, err)
		assert.Len(t, rows, 2)

		_, ok, err := s.SelectRow(context.Background(), "SELECT * FROM audit")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("exec", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectExec("DELETE FROM t").WillReturnResult(pgxmock.NewResult("DELETE", 3))
		c.ExpectCommit()

		n, err := s.Exec(context.Background(), "DELETE FROM t")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("notify binds channel and payload", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectQuery(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
			WithArgs("events", `{"id":1}`).
			WillReturnRows(pgxmock.NewRows([]string{"pg_notify"}).AddRow(""))
		c.ExpectCommit()

		require.NoError(t, s.Notify(context.Background(), "events", `{"id":1}`))
		require.NoError(t, c.ExpectationsWereMet())
	})

	t.Run("listen quotes the channel", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectExec(regexp.QuoteMeta(`LISTEN "Weird ""Name"""`)).WillReturnResult(pgxmock.NewResult("LISTEN", 0))
		c.ExpectCommit()
		c.ExpectBegin()
		c.ExpectExec(regexp.QuoteMeta(`UNLISTEN "Weird ""Name"""`)).WillReturnResult(pgxmock.NewResult("UNLISTEN", 0))
		c.ExpectCommit()

		require.NoError(t, s.Listen(context.Background(), `Weird "Name"`))
		require.NoError(t, s.Unlisten(context.Background(), `Weird "Name"`))
		require.NoError(t, c.ExpectationsWereMet())
	})

	t.Run("listen requires a channel", func(t *testing.T) {
		t.Parallel()

		s, _ := newSessionWithMock(t)

		require.ErrorIs(t, s.Listen(context.Background(), ""), postgres.ErrStatement)
	})

	t.Run("truncate", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectBegin()
		c.ExpectExec(regexp.QuoteMeta(`TRUNCATE "audit"`)).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
		c.ExpectCommit()

		require.NoError(t, s.Truncate(context.Background(), "audit"))
		require.ErrorIs(t, s.Truncate(context.Background(), "audit; DROP TABLE x"), postgres.ErrStatement)
		require.NoError(t, c.ExpectationsWereMet())
	})

	t.Run("copy rows", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.ExpectCopyFrom(pgx.Identifier{"lines"}, []string{"line", "n"}).WillReturnResult(2)

		n, err := s.CopyRows(context.Background(), "lines", []string{"line", "n"}, [][]any{{"a", 1}, {"b", 2}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = s.CopyRows(context.Background(), "lines", []string{"bad column"}, nil)
		require.ErrorIs(t, err, postgres.ErrStatement)
		require.NoError(t, c.ExpectationsWereMet())
	})
}

// =============================================================================
// Notifications
// =============================================================================

func TestWaitReadable(t *testing.T) {
	t.Parallel()

	t.Run("buffers notifications in arrival order", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		s.SetClock(func() time.Time { return at })

		c.notify("events", "N1")
		c.notify("events", "N2")
		c.notify("events", "N3")

		for _, want := range []string{"N1", "N2", "N3"} {
			require.NoError(t, s.WaitReadable(context.Background()))

			n, ok := s.PopNotification()
			require.True(t, ok)
			assert.Equal(t, want, n.Payload)
			assert.Equal(t, "events", n.Channel)
			assert.Equal(t, uint32(42), n.PID)
			assert.Equal(t, at, n.ReceivedAt)
		}

		_, ok := s.PopNotification()
		assert.False(t, ok)
	})

	t.Run("one wake collects everything the driver already received", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.notify("events", "N1")
		c.notify("events", "N2")
		c.notify("events", "N3")

		require.NoError(t, s.WaitReadable(context.Background()))

		for _, want := range []string{"N1", "N2", "N3"} {
			n, ok := s.PopNotification()
			require.True(t, ok)
			assert.Equal(t, want, n.Payload)
		}

		_, ok := s.PopNotification()
		assert.False(t, ok)
	})

	t.Run("returns immediately when the backlog is not empty", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.notify("events", "N1")
		require.NoError(t, s.WaitReadable(context.Background()))
		require.NoError(t, s.WaitReadable(context.Background()))

		_, ok := s.PopNotification()
		assert.True(t, ok)
	})

	t.Run("context cancellation returns the context error", func(t *testing.T) {
		t.Parallel()

		s, _ := newSessionWithMock(t)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := s.WaitReadable(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.NoError(t, s.Err())
	})

	t.Run("lost connection is a connectivity error", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		c.closeOnErr = true
		c.waitErrs <- errors.New("unexpected EOF")

		err := s.WaitReadable(context.Background())
		require.ErrorIs(t, err, postgres.ErrConnectivity)
		require.ErrorIs(t, s.Err(), postgres.ErrConnectivity)
	})

	t.Run("statements preempt the wait and the wait resumes", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		waitDone := make(chan error, 1)

		go func() { waitDone <- s.WaitReadable(context.Background()) }()

		<-c.waiting

		c.ExpectBegin()
		c.ExpectExec("INSERT INTO t").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		c.ExpectCommit()

		_, err := s.Execute(context.Background(), "INSERT INTO t VALUES (1)", postgres.None)
		require.NoError(t, err)

		select {
		case err := <-waitDone:
			t.Fatalf("wait returned early: %v", err)
		default:
		}

		<-c.waiting

		c.notify("events", "after")

		select {
		case err := <-waitDone:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("wait did not resume")
		}

		n, ok := s.PopNotification()
		require.True(t, ok)
		assert.Equal(t, "after", n.Payload)
	})

	t.Run("release interrupts the wait", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		waitDone := make(chan error, 1)

		go func() { waitDone <- s.WaitReadable(context.Background()) }()

		<-c.waiting

		require.NoError(t, s.Close())

		select {
		case err := <-waitDone:
			require.ErrorIs(t, err, postgres.ErrSessionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("wait was not interrupted")
		}

		assert.Equal(t, int32(1), c.released.Load())
	})
}

func TestCollect(t *testing.T) {
	t.Parallel()

	t.Run("moves driver buffered notifications onto the backlog", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		_, ok := s.PopNotification()
		require.False(t, ok)

		c.notify("events", "N1")
		c.notify("events", "N2")

		assert.Equal(t, 2, s.Collect())
		assert.Equal(t, 0, s.Collect())

		for _, want := range []string{"N1", "N2"} {
			n, ok := s.PopNotification()
			require.True(t, ok)
			assert.Equal(t, want, n.Payload)
		}
	})

	t.Run("preempts a wait and the wait resumes", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)

		waitDone := make(chan error, 1)

		go func() { waitDone <- s.WaitReadable(context.Background()) }()

		<-c.waiting

		assert.Equal(t, 0, s.Collect())

		<-c.waiting

		c.notify("events", "after")

		select {
		case err := <-waitDone:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("wait did not resume")
		}

		n, ok := s.PopNotification()
		require.True(t, ok)
		assert.Equal(t, "after", n.Payload)
	})

	t.Run("released session collects nothing", func(t *testing.T) {
		t.Parallel()

		s, c := newSessionWithMock(t)
		require.NoError(t, s.Close())

		c.notify("events", "N1")
		assert.Equal(t, 0, s.Collect())

		_, ok := s.PopNotification()
		assert.False(t, ok)
	})
}
