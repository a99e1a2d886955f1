package dynamodb

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [Client].
type Option func(*Options)

// Options holds the configuration for a [Client]. Use [Option] functions
// (such as [WithCursorTimeToLive]) to customise the defaults.
type Options struct {
	cursorTimeToLive time.Duration
	dynamoDBAPI      API
	clock            func() time.Time
}

func newOptions() *Options {
	return &Options{
		cursorTimeToLive: 30 * 24 * time.Hour,
		clock:            time.Now,
	}
}

func (o *Options) validate() error {
	if o.cursorTimeToLive <= 0 {
		return errors.New("cursor time to live must be greater than zero")
	}

	if o.clock == nil {
		return errors.New("clock cannot be nil")
	}

	return nil
}

// WithCursorTimeToLive sets how long a cursor record survives after its last
// save. The default is 30 days. The duration must be greater than zero.
func WithCursorTimeToLive(d time.Duration) Option {
	return func(o *Options) {
		o.cursorTimeToLive = d
	}
}

// WithAPI sets a custom [API] implementation. This is useful when a custom
// DynamoDB configuration is required, or for injecting mocks in tests.
func WithAPI(api API) Option {
	return func(o *Options) {
		o.dynamoDBAPI = api
	}
}

// WithClock sets a custom clock function used when computing TTL values.
// Defaults to [time.Now]. This is useful for controlling time in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}
