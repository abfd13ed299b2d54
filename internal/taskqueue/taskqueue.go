package taskqueue

import (
	"context"
	"encoding/json"
	"time"
)

// Task is one activity work item. The engine enqueues exactly one task per
// ActivityScheduled history record, which is what makes activity execution
// at-most-once per call site.
type Task struct {
	ID string

	InstanceID string
	Activity   string

	// TaskID is the correlation key of the ActivityScheduled record this
	// work item belongs to.
	TaskID int32

	Input json.RawMessage

	EnqueuedAt time.Time
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
