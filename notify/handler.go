package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/slackmgr/pgstream/logging"
	"github.com/slackmgr/pgstream/postgres"
	"github.com/slackmgr/types"
)

// Handler acts on a received notification.
type Handler interface {
	Handle(ctx context.Context, n postgres.Notification) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, n postgres.Notification) error

func (f HandlerFunc) Handle(ctx context.Context, n postgres.Notification) error {
	return f(ctx, n)
}

// LogHandler logs each notification and does nothing else.
func LogHandler(logger types.Logger) Handler { //nolint:ireturn
	if logger == nil {
		logger = logging.Nop()
	}

	return HandlerFunc(func(_ context.Context, n postgres.Notification) error {
		logger.WithFields(map[string]any{
			"channel": n.Channel,
			"pid":     n.PID,
		}).Infof("Received notification: %s", n.Payload)

		return nil
	})
}

// Chain fans a notification out to every handler in order. All handlers run
// even when some fail; their errors are combined.
func Chain(handlers ...Handler) Handler { //nolint:ireturn
	return HandlerFunc(func(ctx context.Context, n postgres.Notification) error {
		var result *multierror.Error

		for _, h := range handlers {
			if err := h.Handle(ctx, n); err != nil {
				result = multierror.Append(result, err)
			}
		}

		return result.ErrorOrNil()
	})
}

// RowSelector runs a query and returns its first row. *postgres.Session
// implements it.
type RowSelector interface {
	SelectRow(ctx context.Context, query string, args ...any) (postgres.Row, bool, error)
}

// LastEntryHandler reads the latest entry of an audit table each time a
// notification arrives and logs it.
type LastEntryHandler struct {
	selector RowSelector
	query    string
	logger   types.Logger
}

var errNoSelector = errors.New("row selector is required")

func NewLastEntryHandler(selector RowSelector, auditTable string, logger types.Logger) (*LastEntryHandler, error) {
	if selector == nil {
		return nil, errNoSelector
	}

	if err := postgres.ValidateIdentifier("audit table", auditTable); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.Nop()
	}

	return &LastEntryHandler{
		selector: selector,
		query:    "SELECT * FROM " + pgx.Identifier{auditTable}.Sanitize(),
		logger:   logger.WithField("table", auditTable),
	}, nil
}

func (h *LastEntryHandler) Handle(ctx context.Context, _ postgres.Notification) error {
	row, ok, err := h.selector.SelectRow(ctx, h.query)
	if err != nil {
		return fmt.Errorf("failed to fetch last entry: %w", err)
	}

	if !ok {
		h.logger.Debug("Audit table is empty")
		return nil
	}

	h.logger.WithFields(row.Map()).Debug("Last entry in table")

	return nil
}
