// Package buffer provides generic, thread-safe FIFO queues with statistics and
// optional Prometheus metrics.
//
// The Unbounded queue never rejects or blocks a producer; consumers block in
// Pop until an item arrives, the context ends, or the queue is closed.
package buffer

import (
	"context"
	"sync"

	"github.com/c360/chatrelay/errors"
)

// Queue is a multi-producer FIFO queue.
type Queue[T any] interface {
	// Push appends item. It only fails once the queue is closed.
	Push(item T) error

	// Pop removes the oldest item, blocking until one is available.
	// Returns ctx.Err() if ctx ends first and errors.ErrQueueClosed after Close.
	Pop(ctx context.Context) (T, error)

	// TryPop removes the oldest item without blocking.
	TryPop() (T, bool)

	// Len returns the number of queued items.
	Len() int

	// Stats returns queue statistics.
	Stats() *Statistics

	// Close discards queued items and wakes blocked consumers.
	Close() error
}

type unbounded[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	// notify holds at most one pending wake-up for a consumer
	notify chan struct{}
	done   chan struct{}

	stats   *Statistics
	metrics *bufferMetrics
}

// NewUnbounded creates an unbounded FIFO queue.
// Returns an error if metrics registration fails when metrics are requested.
func NewUnbounded[T any](options ...Option[T]) (Queue[T], error) {
	opts := applyOptions(options...)

	q := &unbounded[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		stats:  NewStatistics(),
	}

	if opts.metricsReg != nil {
		m, err := newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "Queue", "NewUnbounded", "register metrics")
		}
		q.metrics = m
	}

	return q, nil
}

func (q *unbounded[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}
	q.items = append(q.items, item)
	size := len(q.items)
	q.mu.Unlock()

	q.stats.Write()
	q.stats.UpdateSize(int64(size))
	if q.metrics != nil {
		q.metrics.recordPush(size)
	}
	q.wake()
	return nil
}

func (q *unbounded[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *unbounded[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		if item, ok, err := q.take(); ok || err != nil {
			return item, err
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (q *unbounded[T]) TryPop() (T, bool) {
	item, ok, _ := q.take()
	return item, ok
}

// take removes the head if present. A closed, empty queue reports ErrQueueClosed.
func (q *unbounded[T]) take() (T, bool, error) {
	var zero T

	q.mu.Lock()
	if len(q.items) == 0 {
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, false, errors.ErrQueueClosed
		}
		return zero, false, nil
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	size := len(q.items)
	if size == 0 {
		// drop the consumed backing array
		q.items = nil
	}
	q.mu.Unlock()

	if size > 0 {
		// pass the signal on so another waiting consumer is not stranded
		q.wake()
	}

	q.stats.Read()
	q.stats.UpdateSize(int64(size))
	if q.metrics != nil {
		q.metrics.recordPop(size)
	}
	return item, true, nil
}

func (q *unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *unbounded[T]) Stats() *Statistics {
	return q.stats
}

func (q *unbounded[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	dropped := len(q.items)
	q.items = nil
	close(q.done)

	for i := 0; i < dropped; i++ {
		q.stats.Drop()
	}
	q.stats.UpdateSize(0)
	if q.metrics != nil {
		q.metrics.recordDiscard(dropped)
	}
	return nil
}
