// Package notify turns PostgreSQL LISTEN/NOTIFY traffic into an in-process
// stream of notifications.
//
// A [Bridge] subscribes a [Source] (usually a *postgres.Session) to a
// channel, waits for notifications without polling and pushes them, in
// arrival order, onto a [Queue]. A [Consumer] pops them off the queue and
// hands each to a [Handler]. [Listen] wires the two together:
//
//	session, err := pool.Acquire(ctx, "listener")
//	if err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	err = notify.Listen(ctx, session, "table_changed", notify.LogHandler(logger), logger)
//	if errors.Is(err, postgres.ErrConnectivity) {
//	    // release the key and acquire a new session
//	}
//
// The bridge never reconnects. When the connection is lost it closes the
// queue and returns an error wrapping postgres.ErrConnectivity; recovering
// is up to the caller.
package notify
