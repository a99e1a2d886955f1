package notify

import (
	"context"

	"github.com/slackmgr/pgstream/logging"
	"github.com/slackmgr/types"
	"golang.org/x/sync/errgroup"
)

// Listen subscribes src to channel and runs a Bridge and a Consumer until
// ctx is cancelled or the source fails. Notifications already queued when
// the source fails are still handled. It returns the bridge's error, if any.
func Listen(ctx context.Context, src Source, channel string, handler Handler, logger types.Logger, opts ...ConsumerOption) error {
	if logger == nil {
		logger = logging.Nop()
	}

	bridge := NewBridge(src, channel, logger)

	if err := bridge.Subscribe(ctx); err != nil {
		return err
	}

	consumer := NewConsumer(bridge.Queue(), handler, logger.WithField("channel", channel), opts...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bridge.Run(gctx)
	})

	// The consumer follows ctx rather than gctx so it can drain the queue
	// after the bridge fails and closes it.
	g.Go(func() error {
		return consumer.Run(ctx)
	})

	return g.Wait()
}
