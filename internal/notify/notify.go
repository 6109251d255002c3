// Package notify delivers values to listeners in publish order without
// re-entering them: a value published from inside a listener is queued
// behind the delivery in progress.
package notify

import "sync"

type Queue[T any] struct {
	mu         sync.Mutex
	queue      []T
	delivering bool
	listeners  map[int]func(T)
	nextID     int
}

func New[T any]() *Queue[T] {
	return &Queue[T]{listeners: make(map[int]func(T))}
}

// Subscribe adds fn. The returned func removes it.
func (q *Queue[T]) Subscribe(fn func(T)) func() {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.listeners[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Enqueue records v without delivering it. Callers holding their own lock
// enqueue under it to fix the order, then Drain after unlocking.
func (q *Queue[T]) Enqueue(v T) {
	q.mu.Lock()
	q.queue = append(q.queue, v)
	q.mu.Unlock()
}

// Drain delivers queued values unless another goroutine already is.
func (q *Queue[T]) Drain() {
	q.mu.Lock()
	if q.delivering {
		q.mu.Unlock()
		return
	}
	q.delivering = true

	for len(q.queue) > 0 {
		v := q.queue[0]
		q.queue = q.queue[1:]
		fns := make([]func(T), 0, len(q.listeners))
		for _, fn := range q.listeners {
			fns = append(fns, fn)
		}

		q.mu.Unlock()
		for _, fn := range fns {
			fn(v)
		}
		q.mu.Lock()
	}

	q.delivering = false
	q.mu.Unlock()
}

// Publish is Enqueue followed by Drain.
func (q *Queue[T]) Publish(v T) {
	q.Enqueue(v)
	q.Drain()
}
