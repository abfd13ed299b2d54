package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/riptide-engine/riptide/internal/taskqueue"
	"github.com/riptide-engine/riptide/pkg/api"
	"github.com/riptide-engine/riptide/pkg/orchestration"
)

// Config configures a Worker.
type Config struct {
	// ActivityTimeout bounds a single activity invocation. Zero means no
	// per-activity timeout beyond the worker's own context.
	ActivityTimeout time.Duration

	// Observer receives activity lifecycle notifications. Defaults to
	// api.NoopObserver.
	Observer api.Observer
}

// Worker pulls activity tasks from a Queue, runs the registered activity
// function, and reports the result back to the Engine. Activities run in
// normal (non-replayed) code: they may do I/O, use wall-clock time and be
// arbitrarily slow.
type Worker struct {
	engine   api.Engine
	registry *orchestration.Registry
	queue    taskqueue.Queue
	cfg      Config
}

// New creates a new Worker over the queue the engine enqueues to.
func New(engine api.Engine, registry *orchestration.Registry, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	return &Worker{
		engine:   engine,
		registry: registry,
		queue:    queue,
		cfg:      cfg,
	}
}

// ProcessOne pulls a single activity task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue failed)
//   - processed == true: a task was executed and its result reported; err is
//     the reporting failure, if any. Activity failures are not errors here:
//     they are recorded and surfaced to the orchestration logic as values.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	result, actErr := w.invoke(ctx, task)

	if err := w.engine.CompleteActivity(ctx, task.InstanceID, task.TaskID, result, actErr); err != nil {
		return true, fmt.Errorf("report activity %s result for instance %s: %w", task.Activity, task.InstanceID, err)
	}
	return true, nil
}

// invoke runs the registered activity function for the task.
func (w *Worker) invoke(ctx context.Context, task *taskqueue.Task) ([]byte, error) {
	fn, err := w.registry.Activity(task.Activity)
	if err != nil {
		return nil, err
	}

	actCtx := ctx
	if w.cfg.ActivityTimeout > 0 {
		var cancel context.CancelFunc
		actCtx, cancel = context.WithTimeout(ctx, w.cfg.ActivityTimeout)
		defer cancel()
	}

	w.cfg.Observer.OnActivityStart(ctx, task.InstanceID, task.Activity, task.TaskID)
	start := time.Now()

	out, actErr := fn(actCtx, task.Input)

	w.cfg.Observer.OnActivityCompleted(ctx, task.InstanceID, task.Activity, task.TaskID, actErr, time.Since(start))

	if actErr != nil {
		return nil, actErr
	}
	raw, err := api.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal activity %s output: %w", task.Activity, err)
	}
	return raw, nil
}

// Run processes tasks until ctx is cancelled. Reporting failures are logged
// through the observer path already; Run only stops on context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if _, err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient dequeue or reporting failure; keep serving.
			continue
		}
	}
}
