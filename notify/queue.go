package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/slackmgr/pgstream/postgres"
)

// ErrQueueClosed is returned by Pop once the queue is closed and empty, and
// by Push after Close.
var ErrQueueClosed = errors.New("notification queue is closed")

// Queue is an unbounded FIFO of notifications shared by one producer (a
// Bridge) and one or more consumers. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []postgres.Notification
	closed bool
	ready  chan struct{} // closed and replaced whenever items or closed change
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{})}
}

// Push appends n to the queue.
func (q *Queue) Push(n postgres.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, n)
	q.wake()

	return nil
}

// Pop removes the oldest notification, blocking while the queue is empty. It
// returns ErrQueueClosed once the queue is closed and drained, or the
// context error if ctx is done first.
func (q *Queue) Pop(ctx context.Context) (postgres.Notification, error) {
	for {
		q.mu.Lock()

		if n, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return n, nil
		}

		if q.closed {
			q.mu.Unlock()
			return postgres.Notification{}, ErrQueueClosed
		}

		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return postgres.Notification{}, ctx.Err()
		}
	}
}

// TryPop removes the oldest notification without blocking.
func (q *Queue) TryPop() (postgres.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Close marks the producer side as finished. Queued notifications can still
// be popped. Closing twice is a no-op.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.wake()
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

func (q *Queue) popLocked() (postgres.Notification, bool) {
	if len(q.items) == 0 {
		return postgres.Notification{}, false
	}

	n := q.items[0]
	q.items[0] = postgres.Notification{}
	q.items = q.items[1:]

	return n, true
}

func (q *Queue) wake() {
	close(q.ready)
	q.ready = make(chan struct{})
}
