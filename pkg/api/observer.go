package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestration engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay instance execution.
type Observer interface {
	// OnInstanceStart is called once when an orchestration instance is
	// first started, before its first resume.
	OnInstanceStart(ctx context.Context, inst *InstanceInfo)

	// OnInstanceCompleted is called when an instance reaches
	// StatusCompleted or StatusTerminated.
	OnInstanceCompleted(ctx context.Context, inst *InstanceInfo)

	// OnInstanceFailed is called when an instance transitions to
	// StatusFailed.
	OnInstanceFailed(ctx context.Context, inst *InstanceInfo, err error)

	// OnActivityStart is called by a worker before invoking an activity
	// function.
	OnActivityStart(ctx context.Context, instanceID, activity string, taskID int32)

	// OnActivityCompleted is called by a worker after an activity function
	// returns, for both successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, instanceID, activity string, taskID int32, err error, duration time.Duration)

	// OnEventRaised is called when an external event is appended to an
	// instance's history.
	OnEventRaised(ctx context.Context, instanceID, name string)

	// OnTimerFired is called when a durable timer fire is appended to an
	// instance's history.
	OnTimerFired(ctx context.Context, instanceID string, taskID int32)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStart(ctx context.Context, inst *InstanceInfo)             {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *InstanceInfo)         {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *InstanceInfo, err error) {}
func (NoopObserver) OnActivityStart(ctx context.Context, instanceID, activity string, taskID int32) {
}
func (NoopObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, taskID int32, err error, d time.Duration) {
}
func (NoopObserver) OnEventRaised(ctx context.Context, instanceID, name string)        {}
func (NoopObserver) OnTimerFired(ctx context.Context, instanceID string, taskID int32) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStart(ctx context.Context, inst *InstanceInfo) {
	for _, o := range c.observers {
		o.OnInstanceStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *InstanceInfo) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *InstanceInfo, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, instanceID, activity string, taskID int32) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, instanceID, activity, taskID)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, taskID int32, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, instanceID, activity, taskID, err, d)
	}
}

func (c *CompositeObserver) OnEventRaised(ctx context.Context, instanceID, name string) {
	for _, o := range c.observers {
		o.OnEventRaised(ctx, instanceID, name)
	}
}

func (c *CompositeObserver) OnTimerFired(ctx context.Context, instanceID string, taskID int32) {
	for _, o := range c.observers {
		o.OnTimerFired(ctx, instanceID, taskID)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance / activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStart(ctx context.Context, inst *InstanceInfo) {
	o.Logger.InfoContext(ctx, "instance_start",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *InstanceInfo) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *InstanceInfo, err error) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, instanceID, activity string, taskID int32) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("instance_id", instanceID),
		slog.String("activity", activity),
		slog.Int("task_id", int(taskID)),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, taskID int32, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("instance_id", instanceID),
		slog.String("activity", activity),
		slog.Int("task_id", int(taskID)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEventRaised(ctx context.Context, instanceID, name string) {
	o.Logger.DebugContext(ctx, "event_raised",
		slog.String("instance_id", instanceID),
		slog.String("event", name),
	)
}

func (o *LoggingObserver) OnTimerFired(ctx context.Context, instanceID string, taskID int32) {
	o.Logger.DebugContext(ctx, "timer_fired",
		slog.String("instance_id", instanceID),
		slog.Int("task_id", int(taskID)),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted    atomic.Int64
	instancesCompleted  atomic.Int64
	instancesFailed     atomic.Int64
	activitiesCompleted atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	PendingInstances   int64

	ActivitiesCompleted int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStart(ctx context.Context, inst *InstanceInfo) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *InstanceInfo) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *InstanceInfo, err error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, instanceID, activity string, taskID int32, err error, d time.Duration) {
	// Only count successful executions for average duration.
	if err == nil {
		m.activitiesCompleted.Add(1)
		m.totalActivityTime.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	activities := m.activitiesCompleted.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if activities > 0 {
		avg = time.Duration(totalNs / activities)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:   started,
		InstancesCompleted: completed,
		InstancesFailed:    failed,
		PendingInstances:   started - completed - failed,

		ActivitiesCompleted: activities,
		AvgActivityDuration: avg,
	}
}
