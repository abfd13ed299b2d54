package taskqueue

import (
	"context"
)

// InMemoryQueue holds scheduled activity tasks in a buffered channel until
// a worker claims them. Tasks do not survive a process restart; durable
// deployments use SQLiteQueue instead. Safe for concurrent use.
type InMemoryQueue struct {
	ch chan Task
}

// NewInMemoryQueue creates an in-memory activity queue. Capacity bounds how
// many scheduled-but-unclaimed activity invocations the engine can have in
// flight before Enqueue blocks; non-positive means 1024, plenty for tests
// and local runtimes.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch: make(chan Task, capacity),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

// Enqueue hands an activity task to the queue, blocking while the buffer
// is full.
func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a task is available or ctx ends. Each task is
// delivered to exactly one worker.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of unclaimed tasks.
func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}
