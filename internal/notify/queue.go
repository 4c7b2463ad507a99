// Package notify delivers observer events in the order they were published
// without holding the publisher's locks, so an observer may call back into the
// publisher. Events published while another goroutine is delivering are
// delivered by that goroutine, after the event in progress.
package notify

import "sync"

type delivery[T any] struct {
	observers []func(T)
	event     T
}

type Queue[T any] struct {
	mu      sync.Mutex
	idle    *sync.Cond
	pending []delivery[T]
	running bool
	closed  bool
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Push queues event for observers. Callers push while holding their own lock so
// the queue order is the order of their state changes. Push after Close drops
// the event and reports false.
func (q *Queue[T]) Push(observers []func(T), event T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(observers) > 0 {
		q.pending = append(q.pending, delivery[T]{observers: observers, event: event})
	}
	return true
}

// Drain delivers queued events until the queue is empty. It returns at once when
// another call is already delivering, including a call further up the current
// goroutine's stack.
func (q *Queue[T]) Drain() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = delivery[T]{}
		q.pending = q.pending[1:]
		q.mu.Unlock()
		for _, fn := range next.observers {
			fn(next.event)
		}
		q.mu.Lock()
	}
	q.pending = nil
	q.running = false
	q.idle.Broadcast()
	q.mu.Unlock()
}

// Close delivers what is already queued, waits for an in-flight delivery on
// another goroutine and rejects later pushes. Nothing is delivered once Close
// returns. It must not be called from an observer.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.Drain()

	q.mu.Lock()
	for q.running {
		q.idle.Wait()
	}
	q.mu.Unlock()
}
