package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

type (
	// Queue is an unbounded, order-preserving FIFO. Push never blocks. Items
	// are consumed through a single Reader: the queue is not a broadcast
	// channel and once its reader has drained a closed queue it is exhausted.
	Queue[T any] struct {
		mu     sync.Mutex
		items  []T
		closed bool
		taken  bool
		// signal wakes a reader waiting in Next. It has capacity one so
		// pushes never block.
		signal chan struct{}
	}

	// Reader consumes a Queue. Next suspends until an item is available, the
	// queue is closed or the context is canceled.
	Reader[T any] struct {
		q *Queue[T]
	}
)

var (
	// ErrQueueClosed is returned when pushing to a closed queue.
	ErrQueueClosed = errors.New("stream: queue closed")
	// ErrReaderTaken is returned when requesting a second reader.
	ErrReaderTaken = errors.New("stream: queue reader already taken")
)

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v to the queue.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.notify()
	return nil
}

// Close marks the end of the sequence. Items already queued remain readable.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Reader returns the queue reader. It can be called once.
func (q *Queue[T]) Reader() (*Reader[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.taken {
		return nil, ErrReaderTaken
	}
	q.taken = true
	return &Reader[T]{q: q}, nil
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Next returns the next item. It returns io.EOF once the queue is closed and
// drained, and ctx.Err() if ctx is canceled while waiting.
func (r *Reader[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		r.q.mu.Lock()
		if len(r.q.items) > 0 {
			v := r.q.items[0]
			r.q.items[0] = zero
			r.q.items = r.q.items[1:]
			r.q.mu.Unlock()
			return v, nil
		}
		closed := r.q.closed
		r.q.mu.Unlock()
		if closed {
			return zero, io.EOF
		}
		select {
		case <-r.q.signal:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
