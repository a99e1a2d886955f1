package pubsub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/slackmgr/pgstream/postgres"
	"github.com/slackmgr/types"
)

// Client publishes database notifications to a Pub/Sub topic with message
// ordering enabled. Notifications on one channel share an ordering key.
type Client struct {
	gcpClient   *pubsub.Client
	client      pubsubClient
	publisher   pubsubPublisher
	topic       string
	opts        *Options
	logger      types.Logger
	initialized atomic.Bool
}

func New(c *pubsub.Client, topic string, logger types.Logger, opts ...Option) (*Client, error) {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if c == nil && options.pubsubClient == nil {
		return nil, errors.New("pub/sub client cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	logger = logger.WithField("plugin", "pubsub").WithField("topic", topic)

	return &Client{
		gcpClient: c,
		topic:     topic,
		opts:      options,
		logger:    logger,
	}, nil
}

func (c *Client) Init() (*Client, error) {
	if c.initialized.Load() {
		return c, nil
	}

	if c.topic == "" {
		return nil, errors.New("pub/sub topic cannot be empty")
	}

	if err := c.opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid pub/sub publisher options: %w", err)
	}

	// Use injected client for testing, otherwise wrap the real GCP client.
	if c.opts.pubsubClient != nil {
		c.client = c.opts.pubsubClient
	} else {
		c.client = newRealPubSubClient(c.gcpClient)
	}

	c.publisher = c.client.Publisher(c.topic)

	c.publisher.SetEnableMessageOrdering(true)
	c.publisher.SetDelayThreshold(c.opts.publisherDelayThreshold)
	c.publisher.SetCountThreshold(c.opts.publisherCountThreshold)
	c.publisher.SetByteThreshold(c.opts.publisherByteThreshold)

	c.initialized.Store(true)

	return c, nil
}

func (c *Client) Name() string {
	return c.topic
}

// Close stops the publisher, flushing any pending messages.
func (c *Client) Close() {
	if c.publisher != nil {
		c.publisher.Stop()
	}
}

func (c *Client) Send(ctx context.Context, groupID, dedupID, body string) error {
	if !c.initialized.Load() {
		return errors.New("pub/sub client not initialized")
	}

	if groupID == "" {
		return errors.New("groupID cannot be empty")
	}

	if dedupID == "" {
		return errors.New("dedupID cannot be empty")
	}

	if body == "" {
		return errors.New("body cannot be empty")
	}

	msg := &pubsub.Message{
		Data:        []byte(body),
		OrderingKey: groupID,
		Attributes:  map[string]string{"dedup_id": dedupID},
	}

	if _, err := c.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("failed to publish message to pub/sub topic %s with ordering key %s: %w", c.topic, groupID, err)
	}

	return nil
}

// Handle publishes n as JSON. It implements notify.Handler.
//
// Pub/Sub has no server side deduplication, so the notification fingerprint
// is attached as the dedup_id attribute for subscribers to use.
func (c *Client) Handle(ctx context.Context, n postgres.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	key := n.Channel
	if c.opts.orderingKey != "" {
		key = c.opts.orderingKey
	}

	dedupID := fingerprint(n)

	if err := c.Send(ctx, key, dedupID, string(body)); err != nil {
		return err
	}

	c.logger.WithField("ordering_key", key).Debug("Notification published to pub/sub")

	return nil
}

func fingerprint(n postgres.Notification) string {
	h := sha256.New()

	for _, s := range []string{
		strconv.FormatUint(uint64(n.PID), 10),
		n.Channel,
		n.Payload,
		n.ReceivedAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}
