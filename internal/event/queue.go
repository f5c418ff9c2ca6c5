package event

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("event: queue full")
	ErrQueueClosed = errors.New("event: queue closed")
)

// Queue is a bounded single-consumer queue. Producers may live on any
// goroutine; Run is the only consumer and hands each event to the Bus
// before taking the next one.
type Queue struct {
	ch     chan *Event
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan *Event, capacity)}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e *Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Publish enqueues an event, blocking until there is room or ctx is done.
func (q *Queue) Publish(ctx context.Context, e *Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue from accepting new events. Run drains what is
// already buffered and then returns.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes events until the queue is closed, ctx is done, or handler
// returns an error.
func (q *Queue) Run(ctx context.Context, handler func(*Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-q.ch:
			if !ok {
				return nil
			}
			if err := handler(e); err != nil {
				return err
			}
		}
	}
}
