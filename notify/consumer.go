package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slackmgr/pgstream/logging"
	"github.com/slackmgr/pgstream/postgres"
	"github.com/slackmgr/types"
)

const defaultHandlerTimeout = 30 * time.Second

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithHandlerTimeout bounds each handler invocation. Defaults to 30 seconds.
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.handlerTimeout = d
		}
	}
}

// Consumer pops notifications off a Queue and hands each to a Handler.
type Consumer struct {
	queue          *Queue
	handler        Handler
	logger         types.Logger
	handlerTimeout time.Duration

	handled atomic.Uint64
	failed  atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

func NewConsumer(queue *Queue, handler Handler, logger types.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = logging.Nop()
	}

	c := &Consumer{
		queue:          queue,
		handler:        handler,
		logger:         logger,
		handlerTimeout: defaultHandlerTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run dispatches notifications until the queue is closed and drained, Stop
// is called or ctx is cancelled. Handler errors are logged and do not stop
// the loop. A notification already popped is always handed to the handler,
// with a context that is not cancelled by ctx.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}

	c.cancel = cancel
	c.mu.Unlock()

	for {
		n, err := c.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				c.logger.Debugf("Consumer finished after %d notification(s)", c.handled.Load())
				return nil
			}

			return err
		}

		c.dispatch(ctx, n)
	}
}

// Stop interrupts Run. It is safe to call more than once and before Run.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true

	if c.cancel != nil {
		c.cancel()
	}
}

// Handled returns how many notifications were handed to the handler.
func (c *Consumer) Handled() uint64 { return c.handled.Load() }

// Failed returns how many handler invocations returned an error.
func (c *Consumer) Failed() uint64 { return c.failed.Load() }

func (c *Consumer) dispatch(ctx context.Context, n postgres.Notification) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
	defer cancel()

	logger := c.logger.WithFields(map[string]any{
		"channel": n.Channel,
		"pid":     n.PID,
	})

	logger.Debugf("Got NOTIFY: %d %s %s", n.PID, n.Channel, n.Payload)

	err := c.handle(hctx, n)

	c.handled.Add(1)

	if err != nil {
		c.failed.Add(1)
		logger.Errorf("Failed to handle notification: %v", err)
	}
}

func (c *Consumer) handle(ctx context.Context, n postgres.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return c.handler.Handle(ctx, n)
}
