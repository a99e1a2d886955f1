package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/slackmgr/pgstream/logging"
	"github.com/slackmgr/pgstream/postgres"
	"github.com/slackmgr/types"
)

// Source is a connection that can subscribe to a channel and report when
// notifications are ready. *postgres.Session implements it.
type Source interface {
	Listen(ctx context.Context, channel string) error
	WaitReadable(ctx context.Context) error
	PopNotification() (postgres.Notification, bool)
}

// State is a Bridge lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateWaiting
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateWaiting:
		return "waiting"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	errAlreadySubscribed = errors.New("bridge is already subscribed")
	errNotSubscribed     = errors.New("bridge is not subscribed")
)

// Bridge moves notifications from a Source onto a Queue.
//
// It waits on the source without polling, and each time it wakes it drains
// every buffered notification onto the queue in arrival order. A queue the
// bridge created is closed when it stops, after anything already received has
// been pushed. The bridge never reconnects; a connection error stops it.
type Bridge struct {
	src     Source
	channel string
	queue   *Queue
	logger  types.Logger

	ownsQueue bool

	state atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithQueue makes the bridge push onto q instead of a queue of its own.
// The caller owns q: the bridge never closes it.
func WithQueue(q *Queue) BridgeOption {
	return func(b *Bridge) { b.queue = q }
}

func NewBridge(src Source, channel string, logger types.Logger, opts ...BridgeOption) *Bridge {
	if logger == nil {
		logger = logging.Nop()
	}

	b := &Bridge{
		src:     src,
		channel: channel,
		logger:  logger.WithField("channel", channel),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.queue == nil {
		b.queue = NewQueue()
		b.ownsQueue = true
	}

	return b
}

func (b *Bridge) Queue() *Queue {
	return b.queue
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Subscribe issues LISTEN on the bridge's channel.
func (b *Bridge) Subscribe(ctx context.Context) error {
	if b.State() != StateIdle {
		return errAlreadySubscribed
	}

	if err := b.src.Listen(ctx, b.channel); err != nil {
		return fmt.Errorf("failed to subscribe to channel %q: %w", b.channel, err)
	}

	b.transition(StateSubscribed)

	return nil
}

// Run waits for notifications and pushes them onto the queue until Stop is
// called, ctx is cancelled or the source fails. Stop and cancellation return
// nil; a source failure is returned wrapped in postgres.ErrConnectivity.
func (b *Bridge) Run(ctx context.Context) (err error) {
	if b.State() != StateSubscribed {
		return errNotSubscribed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.finish()

		return nil
	}

	b.cancel = cancel
	b.mu.Unlock()

	defer b.finish()

	for {
		b.transition(StateWaiting)

		if err := b.src.WaitReadable(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}

			b.logger.Errorf("Notification wait failed: %v", err)

			if errors.Is(err, postgres.ErrConnectivity) {
				return fmt.Errorf("bridge on channel %q stopped: %w", b.channel, err)
			}

			return fmt.Errorf("bridge on channel %q stopped: %w: %w", b.channel, postgres.ErrConnectivity, err)
		}

		b.transition(StateDraining)
		b.drain()
	}
}

// Stop interrupts Run. It is safe to call more than once and before Run.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.stopped = true

	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Bridge) drain() int {
	count := 0

	for {
		n, ok := b.src.PopNotification()
		if !ok {
			break
		}

		if err := b.queue.Push(n); err != nil {
			b.logger.Errorf("Dropped notification from pid %d: %v", n.PID, err)
			continue
		}

		count++
	}

	if count > 0 {
		b.logger.Debugf("Queued %d notification(s)", count)
	}

	return count
}

// collector is a Source that can hand over notifications its driver has
// received but not yet reported.
type collector interface {
	Collect() int
}

var _ collector = (*postgres.Session)(nil)

func (b *Bridge) finish() {
	if c, ok := b.src.(collector); ok {
		c.Collect()
	}

	b.drain()

	if b.ownsQueue {
		b.queue.Close()
	}

	b.transition(StateStopped)
}

func (b *Bridge) transition(to State) {
	from := State(b.state.Swap(int32(to)))

	logger := b.logger.WithFields(map[string]any{"from": from.String(), "to": to.String()})

	switch to {
	case StateWaiting, StateDraining:
		logger.Debug("Bridge state changed")
	default:
		logger.Info("Bridge state changed")
	}
}
