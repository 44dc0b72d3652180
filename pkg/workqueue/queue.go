// Package workqueue provides a bounded, closeable queue for handing work
// units from producers to a pool of consumers.
//
// Put blocks while the queue is full and Take blocks while it is empty.
// Close broadcasts termination: once the remaining items are drained, every
// blocked or future Take returns ErrClosed exactly once per call, so each
// consumer observes the end of input without a sentinel value.
package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the capacity used when none is configured.
const DefaultCapacity = 100_000

// Queue errors.
var (
	ErrClosed  = errors.New("queue closed")
	ErrTimeout = errors.New("queue poll timed out")
)

// Queue is a bounded multi-producer multi-consumer FIFO.
type Queue[T any] struct {
	items chan T
	done  chan struct{}
	once  sync.Once

	queued   atomic.Int64
	dequeued atomic.Int64
	maxDepth atomic.Int64
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Queue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// Put enqueues v, blocking while the queue is full. It returns ErrClosed
// after Close and ctx.Err() when ctx ends first. Close must not race with
// an in-flight Put.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.items <- v:
		q.queued.Add(1)
		q.observeDepth()

		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take dequeues the next item, blocking while the queue is empty. After
// Close it keeps returning buffered items, then ErrClosed.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	return q.take(ctx, nil)
}

// TakeTimeout is Take bounded by timeout; it returns ErrTimeout when
// nothing arrived in time so callers can poll a cancellation flag.
func (q *Queue[T]) TakeTimeout(ctx context.Context, timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	return q.take(ctx, timer.C)
}

func (q *Queue[T]) take(ctx context.Context, timeout <-chan time.Time) (T, error) {
	var zero T

	select {
	case v := <-q.items:
		q.dequeued.Add(1)

		return v, nil
	case <-q.done:
		select {
		case v := <-q.items:
			q.dequeued.Add(1)

			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timeout:
		return zero, ErrTimeout
	}
}

// Close marks the end of input. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

func (q *Queue[T]) observeDepth() {
	depth := int64(len(q.items))

	for {
		cur := q.maxDepth.Load()
		if depth <= cur || q.maxDepth.CompareAndSwap(cur, depth) {
			return
		}
	}
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Queued      int64   `json:"queued"`
	Dequeued    int64   `json:"dequeued"`
	Depth       int     `json:"depth"`
	MaxDepth    int64   `json:"max_depth"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// Stats returns current counters. Utilization is the peak depth relative to capacity.
func (q *Queue[T]) Stats() Stats {
	maxDepth := q.maxDepth.Load()

	return Stats{
		Queued:      q.queued.Load(),
		Dequeued:    q.dequeued.Load(),
		Depth:       q.Len(),
		MaxDepth:    maxDepth,
		Capacity:    q.Cap(),
		Utilization: float64(maxDepth) / float64(q.Cap()),
	}
}
