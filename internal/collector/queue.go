package collector

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO whose Dequeue blocks until an item arrives or
// the context ends. Enqueue never blocks, so producers running on network
// goroutines return immediately.
type Queue[T any] struct {
	lock   sync.Mutex
	items  []T
	notify chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

func (queue *Queue[T]) Enqueue(item T) {
	queue.lock.Lock()
	queue.items = append(queue.items, item)
	queue.lock.Unlock()

	select {
	case queue.notify <- struct{}{}:
	default:
	}
}

func (queue *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		queue.lock.Lock()
		if len(queue.items) > 0 {
			item := queue.items[0]
			var zero T
			queue.items[0] = zero
			queue.items = queue.items[1:]
			queue.lock.Unlock()
			return item, nil
		}
		queue.lock.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-queue.notify:
		}
	}
}

func (queue *Queue[T]) Len() int {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	return len(queue.items)
}

// Clear drops every pending item.
func (queue *Queue[T]) Clear() {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	queue.items = nil
}
