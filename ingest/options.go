package ingest

import (
	"errors"
	"strings"
	"time"

	"github.com/slackmgr/pgstream/logging"
	"github.com/slackmgr/pgstream/tail"
	"github.com/slackmgr/types"
)

// ErrSkipLine is returned by a LineParser for lines that should be passed
// over without an insert.
var ErrSkipLine = errors.New("skip line")

// LineParser turns one line into the arguments of the insert statement.
type LineParser func(line string) ([]any, error)

// DefaultLineParser binds the trimmed line as the only argument. Blank lines
// are skipped.
func DefaultLineParser(line string) ([]any, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrSkipLine
	}

	return []any{line}, nil
}

type Option func(*options)

type options struct {
	parser          LineParser
	createStatement string
	store           tail.CursorStore
	watcher         *tail.Watcher
	logger          types.Logger
	retryAttempts   uint
	retryDelay      time.Duration
}

func newOptions() *options {
	return &options{
		parser:        DefaultLineParser,
		logger:        logging.Nop(),
		retryAttempts: 10,
		retryDelay:    500 * time.Millisecond,
	}
}

func WithLineParser(parser LineParser) Option {
	return func(o *options) { o.parser = parser }
}

// WithCreateStatement sets a statement, typically CREATE TABLE IF NOT
// EXISTS, run each time a session is acquired.
func WithCreateStatement(statement string) Option {
	return func(o *options) { o.createStatement = statement }
}

// WithCursorStore sets where read positions are kept. Defaults to a
// tail.FileStore.
func WithCursorStore(store tail.CursorStore) Option {
	return func(o *options) { o.store = store }
}

// WithWatcher sets the watcher whose events drive Run.
func WithWatcher(w *tail.Watcher) Option {
	return func(o *options) { o.watcher = w }
}

func WithLogger(logger types.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetry sets how many times, and with which initial backoff delay, a
// session is acquired before Run gives up.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = attempts
		o.retryDelay = delay
	}
}

func (o *options) validate() error {
	if o.parser == nil {
		return errors.New("line parser must not be nil")
	}

	if o.retryAttempts == 0 {
		return errors.New("retry attempts must be at least 1")
	}

	if o.retryDelay < 0 {
		return errors.New("retry delay must not be negative")
	}

	return nil
}
