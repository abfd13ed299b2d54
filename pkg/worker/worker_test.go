package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/riptide-engine/riptide/internal/taskqueue"
	"github.com/riptide-engine/riptide/pkg/api"
	"github.com/riptide-engine/riptide/pkg/orchestration"
)

type completion struct {
	instanceID string
	taskID     int32
	result     json.RawMessage
	err        error
}

// recordingEngine captures CompleteActivity calls; the other Engine methods
// are unused by the worker.
type recordingEngine struct {
	completions []completion
	completeErr error
}

func (e *recordingEngine) Start(ctx context.Context, orchestration string, input any) (*api.InstanceInfo, error) {
	return nil, errors.New("not implemented")
}

func (e *recordingEngine) GetInstance(ctx context.Context, id string) (*api.InstanceInfo, error) {
	return nil, api.ErrInstanceNotFound
}

func (e *recordingEngine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.InstanceInfo, error) {
	return nil, nil
}

func (e *recordingEngine) RaiseEvent(ctx context.Context, id, name string, payload any) error {
	return errors.New("not implemented")
}

func (e *recordingEngine) Terminate(ctx context.Context, id, reason string) error {
	return errors.New("not implemented")
}

func (e *recordingEngine) CompleteActivity(ctx context.Context, instanceID string, taskID int32, result json.RawMessage, actErr error) error {
	e.completions = append(e.completions, completion{instanceID, taskID, result, actErr})
	return e.completeErr
}

var _ api.Engine = (*recordingEngine)(nil)

func newWorker(t *testing.T, eng *recordingEngine, cfg Config) (*Worker, taskqueue.Queue) {
	t.Helper()

	registry := orchestration.NewRegistry()
	err := registry.AddActivity("send-code", func(ctx context.Context, input json.RawMessage) (any, error) {
		var phone string
		if err := api.Unmarshal(input, &phone); err != nil {
			return nil, err
		}
		if phone == "" {
			return nil, errors.New("no phone number")
		}
		return "2168", nil
	})
	if err != nil {
		t.Fatalf("AddActivity failed: %v", err)
	}
	err = registry.AddActivity("sleep", func(ctx context.Context, input json.RawMessage) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Minute):
			return "done", nil
		}
	})
	if err != nil {
		t.Fatalf("AddActivity failed: %v", err)
	}

	queue := taskqueue.NewInMemoryQueue(8)
	return New(eng, registry, queue, cfg), queue
}

func TestProcessOneReportsResult(t *testing.T) {
	ctx := context.Background()
	eng := &recordingEngine{}
	w, queue := newWorker(t, eng, Config{})

	task := taskqueue.Task{
		ID:         "t1",
		InstanceID: "i1",
		Activity:   "send-code",
		TaskID:     1,
		Input:      json.RawMessage(`"+15551234567"`),
	}
	if err := queue.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !processed {
		t.Fatal("expected a task to be processed")
	}

	if len(eng.completions) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(eng.completions))
	}
	c := eng.completions[0]
	if c.instanceID != "i1" || c.taskID != 1 {
		t.Fatalf("completion misrouted: %+v", c)
	}
	if c.err != nil {
		t.Fatalf("unexpected activity error: %v", c.err)
	}
	if string(c.result) != `"2168"` {
		t.Fatalf("unexpected result: %s", c.result)
	}
}

func TestProcessOneActivityFailureIsReportedNotReturned(t *testing.T) {
	ctx := context.Background()
	eng := &recordingEngine{}
	w, queue := newWorker(t, eng, Config{})

	// Empty phone makes the activity fail.
	task := taskqueue.Task{ID: "t1", InstanceID: "i1", Activity: "send-code", TaskID: 1, Input: json.RawMessage(`""`)}
	if err := queue.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("an activity failure must not fail ProcessOne: %v", err)
	}
	if !processed {
		t.Fatal("expected a task to be processed")
	}
	if len(eng.completions) != 1 || eng.completions[0].err == nil {
		t.Fatalf("activity failure not reported: %+v", eng.completions)
	}
}

func TestProcessOneUnknownActivity(t *testing.T) {
	ctx := context.Background()
	eng := &recordingEngine{}
	w, queue := newWorker(t, eng, Config{})

	task := taskqueue.Task{ID: "t1", InstanceID: "i1", Activity: "charge-card", TaskID: 1}
	if err := queue.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// An unregistered activity is reported as a failure so the instance
	// fails visibly instead of hanging forever.
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if len(eng.completions) != 1 || eng.completions[0].err == nil {
		t.Fatalf("unknown activity not reported: %+v", eng.completions)
	}
}

func TestProcessOneRespectsActivityTimeout(t *testing.T) {
	ctx := context.Background()
	eng := &recordingEngine{}
	w, queue := newWorker(t, eng, Config{ActivityTimeout: 20 * time.Millisecond})

	task := taskqueue.Task{ID: "t1", InstanceID: "i1", Activity: "sleep", TaskID: 1}
	if err := queue.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	start := time.Now()
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("activity timeout not applied, took %s", elapsed)
	}
	if len(eng.completions) != 1 || !errors.Is(eng.completions[0].err, context.DeadlineExceeded) {
		t.Fatalf("expected a deadline error, got %+v", eng.completions)
	}
}

func TestProcessOneReportingFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	eng := &recordingEngine{completeErr: errors.New("store down")}
	w, queue := newWorker(t, eng, Config{})

	task := taskqueue.Task{ID: "t1", InstanceID: "i1", Activity: "send-code", TaskID: 1, Input: json.RawMessage(`"+15551234567"`)}
	if err := queue.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if !processed || err == nil {
		t.Fatalf("expected a reporting error: processed=%v err=%v", processed, err)
	}
}

func TestProcessOneStopsOnCancelledContext(t *testing.T) {
	eng := &recordingEngine{}
	w, _ := newWorker(t, eng, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	processed, err := w.ProcessOne(ctx)
	if processed {
		t.Fatal("no task should be processed after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
