package pubsub

import (
	"errors"
	"time"
)

type Option func(*Options)

type Options struct {
	publisherDelayThreshold time.Duration
	publisherCountThreshold int
	publisherByteThreshold  int
	orderingKey             string
	pubsubClient            pubsubClient
}

func newOptions() *Options {
	return &Options{
		publisherDelayThreshold: 10 * time.Millisecond,
		publisherCountThreshold: 100,
		publisherByteThreshold:  1e6, // 1 MB
	}
}

func (o *Options) validate() error {
	if o.publisherDelayThreshold < 0 {
		return errors.New("publisher delay threshold must be non-negative")
	}

	if o.publisherCountThreshold <= 0 {
		return errors.New("publisher count threshold must be greater than zero")
	}

	if o.publisherByteThreshold <= 0 {
		return errors.New("publisher byte threshold must be greater than zero")
	}

	if len(o.orderingKey) > 1024 {
		return errors.New("ordering key must be at most 1024 bytes")
	}

	return nil
}

func WithPublisherDelayThreshold(d time.Duration) Option {
	return func(o *Options) {
		o.publisherDelayThreshold = d
	}
}

func WithPublisherCountThreshold(n int) Option {
	return func(o *Options) {
		o.publisherCountThreshold = n
	}
}

func WithPublisherByteThreshold(n int) Option {
	return func(o *Options) {
		o.publisherByteThreshold = n
	}
}

// WithOrderingKey publishes every notification under one ordering key
// instead of one key per channel.
func WithOrderingKey(key string) Option {
	return func(o *Options) {
		o.orderingKey = key
	}
}

// WithPubSubClient sets a custom pubsubClient implementation for testing.
func WithPubSubClient(client pubsubClient) Option {
	return func(o *Options) {
		o.pubsubClient = client
	}
}
