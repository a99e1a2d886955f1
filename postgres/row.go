package postgres

import (
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Arity selects how many rows Execute returns.
type Arity int

const (
	// None discards any result set and reports the affected row count.
	None Arity = iota
	// One returns at most the first row.
	One
	// Many returns every row in result order.
	Many
)

func (a Arity) String() string {
	switch a {
	case None:
		return "none"
	case One:
		return "one"
	case Many:
		return "many"
	default:
		return "unknown"
	}
}

// Row is one result row. Columns are in result order and values are what
// pgx decoded them to.
type Row struct {
	columns []string
	values  []any
}

// NewRow builds a row from parallel column and value slices.
func NewRow(columns []string, values []any) Row {
	return Row{columns: columns, values: values}
}

func (r Row) Columns() []string { return r.columns }
func (r Row) Values() []any     { return r.values }
func (r Row) Len() int          { return len(r.values) }

// Get returns the value of the named column.
func (r Row) Get(column string) (any, bool) {
	for i, c := range r.columns {
		if c == column && i < len(r.values) {
			return r.values[i], true
		}
	}

	return nil, false
}

// Map returns the row keyed by column name. Duplicate column names keep the
// last value.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		if i < len(r.values) {
			m[c] = r.values[i]
		}
	}

	return m
}

// Result is what Execute returns.
type Result struct {
	Rows         []Row
	RowsAffected int64
}

// One returns the first row, if any.
func (r *Result) One() (Row, bool) {
	if r == nil || len(r.Rows) == 0 {
		return Row{}, false
	}

	return r.Rows[0], true
}

func (r *Result) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// Notification is an asynchronous NOTIFY message received on a listening
// session.
type Notification struct {
	PID        uint32    `json:"pid"`
	Channel    string    `json:"channel"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

func newNotification(n *pgconn.Notification, receivedAt time.Time) Notification {
	return Notification{
		PID:        n.PID,
		Channel:    n.Channel,
		Payload:    n.Payload,
		ReceivedAt: receivedAt,
	}
}

func columnNames(fields []pgconn.FieldDescription) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}

	return names
}
