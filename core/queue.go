package core

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultQueueDepth is the capacity of request and response queues when
// the configuration leaves it unset.
const DefaultQueueDepth = 10

// Queue is a bounded FIFO of values. Items are copied in and out, so a
// producer may reuse its buffers as soon as Enqueue returns.
type Queue[T any] struct {
	items chan T
	clock clock.Clock
}

// NewQueue returns an empty queue holding at most depth items.
func NewQueue[T any](depth int, clk clock.Clock) *Queue[T] {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Queue[T]{items: make(chan T, depth), clock: clk}
}

// Enqueue appends item, waiting up to timeout for space. On ErrQueueFull
// the item is dropped and the queue is unchanged.
func (q *Queue[T]) Enqueue(ctx context.Context, item T, timeout time.Duration) error {
	select {
	case q.items <- item:
		return nil
	default:
	}
	if timeout == 0 {
		return ErrQueueFull
	}
	expired, stop := q.deadline(timeout)
	defer stop()
	select {
	case q.items <- item:
		return nil
	case <-expired:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the oldest item, waiting up to timeout for one to arrive.
func (q *Queue[T]) Dequeue(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	select {
	case item := <-q.items:
		return item, nil
	default:
	}
	if timeout == 0 {
		return zero, ErrQueueEmpty
	}
	expired, stop := q.deadline(timeout)
	defer stop()
	select {
	case item := <-q.items:
		return item, nil
	case <-expired:
		return zero, ErrQueueEmpty
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *Queue[T]) deadline(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout < 0 {
		return nil, func() {}
	}
	timer := q.clock.Timer(timeout)
	return timer.C, func() { timer.Stop() }
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Reset discards every queued item.
func (q *Queue[T]) Reset() {
	for {
		select {
		case <-q.items:
		default:
			return
		}
	}
}
