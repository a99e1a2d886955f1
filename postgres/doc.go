// Package postgres provides a keyed PostgreSQL connection pool with
// LISTEN/NOTIFY support.
//
// It uses pgx v5 with connection pooling (pgxpool). Connections are checked
// out under caller-chosen keys: a key is held by at most one caller at a
// time, and a connection is either idle in the pool or checked out under
// exactly one key.
//
// # Usage
//
// Create a pool using [New] with functional options and call [Pool.Open] to
// establish it. Then acquire sessions by key:
//
//	pool := postgres.New(
//	    postgres.WithHost("localhost"),
//	    postgres.WithPort(5432),
//	    postgres.WithUser("postgres"),
//	    postgres.WithPassword("secret"),
//	    postgres.WithDatabase("events"),
//	    postgres.WithPoolMinConnections(1),
//	    postgres.WithPoolMaxConnections(4),
//	)
//
//	if err := pool.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close()
//
//	err := pool.WithSession(ctx, "writer", func(ctx context.Context, s *postgres.Session) error {
//	    _, err := s.Execute(ctx, "INSERT INTO lines (line) VALUES ($1)", postgres.None, "hello")
//	    return err
//	})
//
// Connection settings can also be read from DATABASE_HOST, DATABASE_PORT,
// DATABASE_USERNAME, DATABASE_PASSWORD, DATABASE_NAME and DATABASE_SSLMODE
// with [LoadEnv].
//
// # Statements
//
// [Session.Execute] runs one statement in its own transaction with
// positional $n arguments. The number of placeholders is checked against
// the arguments before anything is sent. Arguments are always bound by the
// driver, never interpolated into the statement text.
//
// # Errors
//
// Failures are reported with sentinel errors that can be tested with
// errors.Is: [ErrPoolInit], [ErrPoolExhausted], [ErrPoolClosed],
// [ErrAlreadyInUse], [ErrStatement] and [ErrConnectivity]. The underlying
// driver error (for example *pgconn.PgError) stays reachable with
// errors.As. A statement error leaves the session usable; a connectivity
// error leaves it dead, and it should be released.
//
// # Notifications
//
// A session subscribes with [Session.Listen]. [Session.WaitReadable] blocks
// without polling until a notification arrives, and
// [Session.PopNotification] drains what has been received in arrival order.
// Statements run on a session that is waiting for notifications preempt the
// wait; it resumes once the statement completes.
package postgres
