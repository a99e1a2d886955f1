package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Execute runs statement with positional $n arguments inside a transaction.
//
// The placeholder count is checked against args before anything is sent.
// With None the affected row count is reported; with One at most one row is
// returned; with Many every row is returned in result order. Statements
// that produce no result set succeed with an empty result for any arity.
//
// Server and driver errors for the statement are wrapped in ErrStatement and
// leave the session usable. Loss of the connection is wrapped in
// ErrConnectivity and leaves the session dead.
func (s *Session) Execute(ctx context.Context, statement string, arity Arity, args ...any) (*Result, error) {
	if err := checkPlaceholders(statement, len(args)); err != nil {
		s.logger.Infof("Rejected statement: %v", err)
		return nil, err
	}

	var res *Result

	err := s.use(func(c conn) error {
		var err error

		res, err = s.execute(ctx, c, statement, arity, args)

		return s.classify(err)
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (s *Session) execute(ctx context.Context, c conn, statement string, arity Arity, args []any) (*Result, error) {
	tx, err := c.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pool.opts.resetTimeout)
		defer cancel()

		_ = tx.Rollback(rollbackCtx) // No-op if committed
	}()

	var res *Result

	if arity == None {
		tag, err := tx.Exec(ctx, statement, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to execute statement: %w", err)
		}

		res = &Result{RowsAffected: tag.RowsAffected()}
	} else {
		res, err = collect(ctx, tx, statement, arity, args)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return res, nil
}

func collect(ctx context.Context, tx pgx.Tx, statement string, arity Arity, args []any) (*Result, error) {
	rows, err := tx.Query(ctx, statement, args...)
	if err != nil {
		if isNoRows(err) {
			return &Result{}, nil
		}

		return nil, fmt.Errorf("failed to run query: %w", err)
	}

	defer rows.Close()

	res := &Result{}

	var columns []string

	for rows.Next() {
		if columns == nil {
			columns = columnNames(rows.FieldDescriptions())
		}

		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}

		res.Rows = append(res.Rows, Row{columns: columns, values: values})

		if arity == One {
			break
		}
	}

	rows.Close()

	if err := rows.Err(); err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	res.RowsAffected = rows.CommandTag().RowsAffected()

	return res, nil
}

// SelectRows runs a query and returns every row.
func (s *Session) SelectRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	res, err := s.Execute(ctx, query, Many, args...)
	if err != nil {
		return nil, err
	}

	return res.Rows, nil
}

// SelectRow runs a query and returns its first row, if any.
func (s *Session) SelectRow(ctx context.Context, query string, args ...any) (Row, bool, error) {
	res, err := s.Execute(ctx, query, One, args...)
	if err != nil {
		return Row{}, false, err
	}

	row, ok := res.One()

	return row, ok, nil
}

// Exec runs a statement for its side effects and returns the affected row
// count.
func (s *Session) Exec(ctx context.Context, statement string, args ...any) (int64, error) {
	res, err := s.Execute(ctx, statement, None, args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected, nil
}

// ServerVersion returns the server's version() string.
func (s *Session) ServerVersion(ctx context.Context) (string, error) {
	row, ok, err := s.SelectRow(ctx, "SELECT version()")
	if err != nil {
		return "", err
	}

	if !ok || row.Len() == 0 {
		return "", fmt.Errorf("%w: version() returned no rows", ErrStatement)
	}

	return fmt.Sprint(row.Values()[0]), nil
}

// Listen subscribes the session to channel. Notifications are then picked
// up by WaitReadable and PopNotification.
func (s *Session) Listen(ctx context.Context, channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: channel name is required", ErrStatement)
	}

	if _, err := s.Execute(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize(), None); err != nil {
		return fmt.Errorf("failed to listen on channel %q: %w", channel, err)
	}

	s.setListening(channel, true)
	s.logger.WithField("channel", channel).Info("Listening on channel")

	return nil
}

// Unlisten drops the subscription to channel.
func (s *Session) Unlisten(ctx context.Context, channel string) error {
	if _, err := s.Execute(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize(), None); err != nil {
		return fmt.Errorf("failed to unlisten channel %q: %w", channel, err)
	}

	s.setListening(channel, false)
	s.logger.WithField("channel", channel).Info("Stopped listening on channel")

	return nil
}

// Notify sends payload on channel.
func (s *Session) Notify(ctx context.Context, channel, payload string) error {
	if _, err := s.Execute(ctx, "SELECT pg_notify($1, $2)", One, channel, payload); err != nil {
		return fmt.Errorf("failed to notify channel %q: %w", channel, err)
	}

	return nil
}

// Truncate empties table.
func (s *Session) Truncate(ctx context.Context, table string) error {
	if err := ValidateIdentifier("table", table); err != nil {
		return fmt.Errorf("%w: %w", ErrStatement, err)
	}

	if _, err := s.Execute(ctx, "TRUNCATE "+pgx.Identifier{table}.Sanitize(), None); err != nil {
		return fmt.Errorf("failed to truncate table %q: %w", table, err)
	}

	return nil
}

// CopyRows bulk-loads rows into table using the COPY protocol.
func (s *Session) CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if err := ValidateIdentifier("table", table); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStatement, err)
	}

	for _, c := range columns {
		if err := ValidateIdentifier("column", c); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStatement, err)
		}
	}

	var copied int64

	err := s.use(func(c conn) error {
		n, err := c.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
		if err != nil {
			return s.classify(fmt.Errorf("failed to copy into table %q: %w", table, err))
		}

		copied = n

		return nil
	})

	return copied, err
}

func (s *Session) setListening(channel string, on bool) {
	_ = s.use(func(conn) error {
		if on {
			s.listening[channel] = struct{}{}
		} else {
			delete(s.listening, channel)
		}

		return nil
	})
}
