package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at capacity
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueClosed is returned when operations are attempted on a closed queue
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is a bounded FIFO safe for concurrent use. Push never blocks so
// HTTP handlers can reject work instead of stalling; Pop blocks until an
// item arrives, the queue closes or the context ends.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	items   []T
	maxSize int
	closed  bool
	stats   Stats
}

// Stats tracks queue activity.
type Stats struct {
	TotalEnqueued int64
	TotalDequeued int64
	TotalRejected int64
	CurrentSize   int
	PeakSize      int
	LastEnqueue   time.Time
	LastDequeue   time.Time
}

// New creates a queue holding at most maxSize items. A maxSize of zero or
// less means unbounded.
func New[T any](maxSize int) *Queue[T] {
	q := &Queue[T]{maxSize: maxSize}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends item.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		q.stats.TotalRejected++
		return ErrQueueFull
	}

	q.items = append(q.items, item)
	q.stats.TotalEnqueued++
	q.stats.LastEnqueue = time.Now()
	if len(q.items) > q.stats.PeakSize {
		q.stats.PeakSize = len(q.items)
	}

	q.notEmpty.Signal()
	return nil
}

// Pop removes and returns the oldest item, waiting for one if the queue
// is empty. Items pushed before Close are still returned; once drained a
// closed queue returns ErrQueueClosed.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	// wake the waiter below when ctx ends
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.notEmpty.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closed {
			return zero, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.notEmpty.Wait()
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.stats.TotalDequeued++
	q.stats.LastDequeue = time.Now()
	return item, nil
}

// Size returns the number of waiting items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the waiting items, oldest first.
func (q *Queue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]T(nil), q.items...)
}

// Remove drops the waiting items for which match returns true and returns
// how many were dropped.
func (q *Queue[T]) Remove(match func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if match(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return removed
}

// Stats returns current queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.CurrentSize = len(q.items)
	return stats
}

// Close stops accepting items and wakes every waiting Pop.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.notEmpty.Broadcast()
	return nil
}
