package postgres

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/slackmgr/pgstream/logging"
	"github.com/slackmgr/types"
)

// validIdentifier matches valid PostgreSQL unquoted identifiers.
// Must start with letter or underscore, followed by letters, digits, or underscores.
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SSLMode represents PostgreSQL SSL connection modes.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"     // No SSL
	SSLModeAllow      SSLMode = "allow"       // Try non-SSL first, then SSL
	SSLModePrefer     SSLMode = "prefer"      // Try SSL first, then non-SSL (default)
	SSLModeRequire    SSLMode = "require"     // Only SSL (no certificate verification)
	SSLModeVerifyCA   SSLMode = "verify-ca"   // SSL with CA verification
	SSLModeVerifyFull SSLMode = "verify-full" // SSL with CA and hostname verification
)

const (
	defaultAcquireTimeout = 30 * time.Second
	defaultResetTimeout   = 5 * time.Second
)

// Option is a functional option for configuring a Pool.
type Option func(*options)

type options struct {
	host                      string
	port                      int
	user                      string
	password                  string
	database                  string
	sslMode                   SSLMode
	poolMaxConnections        *int32
	poolMinConnections        *int32
	poolMaxConnectionLifetime *time.Duration
	poolMaxConnectionIdleTime *time.Duration
	poolHealthCheckPeriod     *time.Duration
	acquireTimeout            time.Duration
	resetTimeout              time.Duration
	statementTimeout          time.Duration
	failFastProbe             bool
	logger                    types.Logger
}

func newOptions() *options {
	return &options{
		host:           "localhost",
		port:           5432,
		sslMode:        SSLModePrefer,
		acquireTimeout: defaultAcquireTimeout,
		resetTimeout:   defaultResetTimeout,
		logger:         logging.Nop(),
	}
}

func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

func WithUser(user string) Option {
	return func(o *options) { o.user = user }
}

func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

func WithDatabase(database string) Option {
	return func(o *options) { o.database = database }
}

func WithSSLMode(mode SSLMode) Option {
	return func(o *options) { o.sslMode = mode }
}

// WithPoolMaxConnections sets the upper bound on open connections. When
// unset it follows the minimum, or pgxpool's default if neither is set.
func WithPoolMaxConnections(n int32) Option {
	return func(o *options) { o.poolMaxConnections = &n }
}

// WithPoolMinConnections sets the number of connections pgxpool keeps open.
func WithPoolMinConnections(n int32) Option {
	return func(o *options) { o.poolMinConnections = &n }
}

func WithPoolMaxConnectionLifetime(d time.Duration) Option {
	return func(o *options) { o.poolMaxConnectionLifetime = &d }
}

func WithPoolMaxConnectionIdleTime(d time.Duration) Option {
	return func(o *options) { o.poolMaxConnectionIdleTime = &d }
}

func WithPoolHealthCheckPeriod(d time.Duration) Option {
	return func(o *options) { o.poolHealthCheckPeriod = &d }
}

// WithAcquireTimeout bounds how long [Pool.Acquire] waits for a free
// connection before failing with [ErrPoolExhausted]. Defaults to 30 seconds.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

// WithResetTimeout bounds the ROLLBACK / UNLISTEN issued when a session is
// released. Defaults to 5 seconds.
func WithResetTimeout(d time.Duration) Option {
	return func(o *options) { o.resetTimeout = d }
}

// WithStatementTimeout sets the server-side statement_timeout for every
// connection in the pool. Zero leaves the server default in place.
func WithStatementTimeout(d time.Duration) Option {
	return func(o *options) { o.statementTimeout = d }
}

// WithFailFastProbe makes [Pool.Acquire] fail with [ErrConnectivity] when the
// post-acquire version probe fails. By default a failed probe is only logged.
func WithFailFastProbe() Option {
	return func(o *options) { o.failFastProbe = true }
}

func WithLogger(logger types.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func (o *options) validate() error {
	if o.port < 1 || o.port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", o.port)
	}

	if o.user == "" {
		return errors.New("user is required")
	}

	if o.database == "" {
		return errors.New("database is required")
	}

	if !o.sslMode.isValid() {
		return fmt.Errorf("invalid SSL mode: %s", o.sslMode)
	}

	if o.poolMinConnections != nil && *o.poolMinConnections < 0 {
		return fmt.Errorf("pool min connections must not be negative, got %d", *o.poolMinConnections)
	}

	if o.poolMaxConnections != nil && *o.poolMaxConnections < 1 {
		return fmt.Errorf("pool max connections must be at least 1, got %d", *o.poolMaxConnections)
	}

	if o.poolMinConnections != nil && o.poolMaxConnections != nil && *o.poolMinConnections > *o.poolMaxConnections {
		return fmt.Errorf("pool min connections (%d) must not exceed max connections (%d)", *o.poolMinConnections, *o.poolMaxConnections)
	}

	if o.acquireTimeout <= 0 {
		return errors.New("acquire timeout must be greater than zero")
	}

	if o.resetTimeout <= 0 {
		return errors.New("reset timeout must be greater than zero")
	}

	if o.statementTimeout < 0 {
		return errors.New("statement timeout must not be negative")
	}

	return nil
}

// poolSizes resolves the configured min/max pair. Max follows min when only
// min is set.
func (o *options) poolSizes() (minConns, maxConns *int32) {
	minConns, maxConns = o.poolMinConnections, o.poolMaxConnections

	if maxConns == nil && minConns != nil {
		m := max(*minConns, 1)
		maxConns = &m
	}

	return minConns, maxConns
}

// ValidateIdentifier checks that name is a plain unquoted identifier. kind
// names what is being validated in the error.
func ValidateIdentifier(kind, name string) error {
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("%s name %q contains invalid characters", kind, name)
	}

	return nil
}

// isValid returns true if the SSL mode is a valid PostgreSQL SSL mode.
func (s SSLMode) isValid() bool {
	switch s {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

func (o *options) connectionString() string {
	host := net.JoinHostPort(o.host, strconv.Itoa(o.port))

	user := url.QueryEscape(o.user)

	if o.password != "" {
		user += ":" + url.QueryEscape(o.password)
	}

	return fmt.Sprintf("postgres://%s@%s/%s?sslmode=%s", user, host, o.database, o.sslMode)
}
