package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riptide-engine/riptide/internal/persistence"
	"github.com/riptide-engine/riptide/internal/taskqueue"
	"github.com/riptide-engine/riptide/internal/timer"
	"github.com/riptide-engine/riptide/pkg/api"
	"github.com/riptide-engine/riptide/pkg/orchestration"
)

// Engine is the instance manager: the only component that writes history.
// Every external stimulus (start, event, activity result, timer fire) comes
// through here, is appended to the instance's history, and triggers a resume
// that replays the orchestration logic against the extended history.
type Engine struct {
	registry *orchestration.Registry
	stores   persistence.Stores
	queue    taskqueue.Queue
	timers   *timer.Service
	observer api.Observer
	logger   *slog.Logger

	leaseTTL time.Duration
	retry    api.RetryPolicy
	workerID string

	// gates coalesces resume requests per instance within this process.
	// locks serializes every history mutation for an instance: replay
	// passes, stimulus appends and terminations take the same lock, so a
	// termination can never land between a pass loading its snapshot and
	// writing it back. The store lease does the same across processes.
	mu    sync.Mutex
	gates map[string]*gate
	locks map[string]*instanceLock
}

// gate tracks an in-flight resume for one instance. A stimulus arriving
// while a resume is running sets queued; the running resume drains it.
type gate struct {
	busy   bool
	queued bool
}

// instanceLock is the per-instance mutation lock, refcounted so the map
// entry can be dropped once the last holder releases it.
type instanceLock struct {
	mu   sync.Mutex
	refs int
}

// lockInstance takes the mutation lock for id and returns its release
// func.
func (e *Engine) lockInstance(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &instanceLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

// Config describes how to construct an Engine.
type Config struct {
	Registry *orchestration.Registry
	Stores   persistence.Stores
	Queue    taskqueue.Queue
	Timers   *timer.Service

	Observer api.Observer
	Logger   *slog.Logger

	// LeaseTTL bounds how long a crashed process can block an instance.
	// Defaults to 30s.
	LeaseTTL time.Duration

	// Retry governs engine-internal transient faults (a failed history
	// append, an unavailable timer service). Defaults to 5 attempts with
	// 50ms initial backoff capped at 2s.
	Retry api.RetryPolicy

	// WorkerID identifies this process as a lease owner. Defaults to a
	// random UUID.
	WorkerID string
}

// NewEngine creates an Engine from the given configuration. Registry,
// Stores and Queue are required; Timers may be nil only if the registered
// orchestrations never create timers.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if cfg.Stores.Instances == nil || cfg.Stores.History == nil {
		return nil, fmt.Errorf("engine: instance and history stores are required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("engine: task queue is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = api.RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		}
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}

	return &Engine{
		registry: cfg.Registry,
		stores:   cfg.Stores,
		queue:    cfg.Queue,
		timers:   cfg.Timers,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		leaseTTL: cfg.LeaseTTL,
		retry:    cfg.Retry,
		workerID: cfg.WorkerID,
		gates:    make(map[string]*gate),
		locks:    make(map[string]*instanceLock),
	}, nil
}

// NewInMemoryEngine wires an Engine over in-memory stores, queue and timer
// store. Intended for tests and examples. A zero retry policy selects the
// defaults.
func NewInMemoryEngine(registry *orchestration.Registry, timers *timer.Service, obs api.Observer, retry api.RetryPolicy) (*Engine, error) {
	mem := persistence.NewInMemoryStore()
	return NewEngine(Config{
		Registry: registry,
		Stores:   persistence.Stores{Instances: mem, History: mem},
		Queue:    taskqueue.NewInMemoryQueue(1024),
		Timers:   timers,
		Observer: obs,
		Retry:    retry,
	})
}

// NewSQLiteEngine wires an Engine over SQLite-backed stores and queue
// sharing the given DB handle. A zero retry policy selects the defaults.
func NewSQLiteEngine(db *sql.DB, registry *orchestration.Registry, timers *timer.Service, obs api.Observer, retry api.RetryPolicy) (*Engine, error) {
	inst, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	hist, err := persistence.NewSQLiteHistoryStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{
		Registry: registry,
		Stores:   persistence.Stores{Instances: inst, History: hist},
		Queue:    queue,
		Timers:   timers,
		Observer: obs,
		Retry:    retry,
	})
}

var _ api.Engine = (*Engine)(nil)

// Queue exposes the activity task queue so workers can dequeue from the
// same backend the engine enqueues to.
func (e *Engine) Queue() taskqueue.Queue {
	return e.queue
}

// Registry exposes the orchestration registry for activity workers.
func (e *Engine) Registry() *orchestration.Registry {
	return e.registry
}

func (e *Engine) Start(ctx context.Context, name string, input any) (*api.InstanceInfo, error) {
	version, err := e.registry.LatestVersion(name)
	if err != nil {
		return nil, err
	}
	raw, err := api.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for %s: %w", name, err)
	}

	now := time.Now()
	inst := &api.InstanceInfo{
		ID:              uuid.NewString(),
		Orchestration:   name,
		Version:         version,
		Status:          api.StatusRunning,
		Input:           raw,
		CreatedTime:     now,
		LastUpdatedTime: now,
	}
	if err := e.stores.Instances.SaveInstance(inst); err != nil {
		return nil, err
	}
	e.observer.OnInstanceStart(ctx, inst)

	err = e.appendEvent(ctx, inst.ID, api.HistoryEvent{
		Kind:    api.EventOrchestrationStarted,
		Name:    name,
		Version: version,
		Payload: raw,
	})
	if err != nil {
		return nil, err
	}

	if err := e.resume(ctx, inst.ID); err != nil {
		return nil, err
	}
	return e.GetInstance(ctx, inst.ID)
}

func (e *Engine) GetInstance(ctx context.Context, id string) (*api.InstanceInfo, error) {
	return e.stores.Instances.GetInstance(id)
}

func (e *Engine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.InstanceInfo, error) {
	return e.stores.Instances.ListInstances(persistence.InstanceFilter{
		Orchestration: opts.Orchestration,
		Status:        opts.Status,
	})
}

func (e *Engine) RaiseEvent(ctx context.Context, id string, name string, payload any) error {
	raw, err := api.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for event %s: %w", name, err)
	}

	live, err := e.appendStimulus(ctx, id, api.HistoryEvent{
		Kind:    api.EventExternalEventReceived,
		Name:    name,
		Payload: raw,
	})
	if err != nil {
		return err
	}
	if !live {
		return api.ErrInstanceCompleted
	}
	e.observer.OnEventRaised(ctx, id, name)

	return e.resume(ctx, id)
}

// Terminate runs under the instance lock and the store lease, so it is
// ordered against any replay pass: either the pass sees the terminal
// status, or the termination lands after the pass has written back.
func (e *Engine) Terminate(ctx context.Context, id string, reason string) error {
	unlock := e.lockInstance(id)
	defer unlock()

	if err := e.acquireLease(ctx, id); err != nil {
		return err
	}
	defer func() {
		if err := e.stores.Instances.ReleaseLease(context.WithoutCancel(ctx), id, e.workerID); err != nil {
			e.logger.Warn("release lease", "instance", id, "err", err)
		}
	}()

	inst, err := e.stores.Instances.GetInstance(id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return api.ErrInstanceCompleted
	}

	err = e.appendEvent(ctx, id, api.HistoryEvent{
		Kind:   api.EventOrchestrationCompleted,
		Status: api.StatusTerminated,
		Error:  reason,
	})
	if err != nil {
		return err
	}

	inst.Status = api.StatusTerminated
	inst.Error = reason
	inst.LastUpdatedTime = time.Now()
	if err := e.stores.Instances.UpdateInstance(inst); err != nil {
		return err
	}

	if e.timers != nil {
		if err := e.timers.CancelAll(ctx, id); err != nil {
			e.logger.Warn("cancel timers on terminate", "instance", id, "err", err)
		}
	}
	e.observer.OnInstanceCompleted(ctx, inst)
	return nil
}

func (e *Engine) CompleteActivity(ctx context.Context, instanceID string, taskID int32, result json.RawMessage, actErr error) error {
	ev := api.HistoryEvent{
		Kind:    api.EventActivityCompleted,
		TaskID:  taskID,
		Payload: result,
	}
	if actErr != nil {
		ev.Error = actErr.Error()
		ev.Payload = nil
	}

	live, err := e.appendStimulus(ctx, instanceID, ev)
	if err != nil {
		return err
	}
	if !live {
		// Late result for an instance that already finished. Dropping it
		// keeps the terminal history immutable.
		return nil
	}

	return e.resume(ctx, instanceID)
}

// HandleTimerFired is the timer service delivery callback. Fires for
// terminal instances are dropped; duplicate fires for the same timer are
// absorbed by replay.
func (e *Engine) HandleTimerFired(ctx context.Context, instanceID string, taskID int32) error {
	live, err := e.appendStimulus(ctx, instanceID, api.HistoryEvent{
		Kind:   api.EventTimerFired,
		TaskID: taskID,
	})
	if err != nil {
		return err
	}
	if !live {
		return nil
	}
	e.observer.OnTimerFired(ctx, instanceID, taskID)

	return e.resume(ctx, instanceID)
}

// appendStimulus records one external stimulus under the instance lock, so
// the terminal check and the append cannot interleave with a termination.
// It reports whether the instance was still live and the event appended.
func (e *Engine) appendStimulus(ctx context.Context, instanceID string, ev api.HistoryEvent) (bool, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.stores.Instances.GetInstance(instanceID)
	if err != nil {
		return false, err
	}
	if inst.Status.Terminal() {
		return false, nil
	}
	if err := e.appendEvent(ctx, instanceID, ev); err != nil {
		return false, err
	}
	return true, nil
}

// appendEvent writes one history record, retrying transient store faults.
func (e *Engine) appendEvent(ctx context.Context, instanceID string, ev api.HistoryEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return e.retryTransient(ctx, "append history event", func() error {
		_, err := e.stores.History.AppendEvent(ctx, instanceID, ev)
		return err
	})
}
