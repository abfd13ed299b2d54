package riptide

import (
	"context"
	"database/sql"

	"github.com/riptide-engine/riptide/internal/engine"
	"github.com/riptide-engine/riptide/pkg/api"
	"github.com/riptide-engine/riptide/pkg/orchestration"
)

// Re-export key types so users don't need to dig into pkg/api and
// pkg/orchestration.

type (
	Engine               = api.Engine
	InstanceInfo         = api.InstanceInfo
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	HistoryEvent         = api.HistoryEvent
	RetryPolicy          = api.RetryPolicy
	ActivityError        = api.ActivityError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Context          = orchestration.Context
	Future           = orchestration.Future
	Timer            = orchestration.Timer
	Registry         = orchestration.Registry
	OrchestratorFunc = orchestration.OrchestratorFunc
	ActivityFunc     = orchestration.ActivityFunc
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewRegistry          = orchestration.NewRegistry
)

// Re-export status values for convenience.

const (
	StatusRunning    = api.StatusRunning
	StatusCompleted  = api.StatusCompleted
	StatusFailed     = api.StatusFailed
	StatusTerminated = api.StatusTerminated
)

// Re-export engine error sentinels.

var (
	ErrInstanceNotFound  = api.ErrInstanceNotFound
	ErrInstanceCompleted = api.ErrInstanceCompleted
	ErrNonDeterministic  = api.ErrNonDeterministic
	ErrTimerService      = api.ErrTimerService
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages. Most applications should use
// NewLocalRuntime or NewSQLiteRuntime instead, which also wire workers
// and the timer service.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Timers are not wired; orchestrations that create timers need a runtime.
func NewInMemoryEngine(registry *Registry) (Engine, error) {
	return engine.NewInMemoryEngine(registry, nil, nil, RetryPolicy{})
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given
// Observer.
func NewInMemoryEngineWithObserver(registry *Registry, obs Observer) (Engine, error) {
	return engine.NewInMemoryEngine(registry, nil, obs, RetryPolicy{})
}

// NewSQLiteEngine returns an Engine that persists instance state, history
// and queued activity tasks in a SQLite database.
func NewSQLiteEngine(db *sql.DB, registry *Registry) (Engine, error) {
	return engine.NewSQLiteEngine(db, registry, nil, nil, RetryPolicy{})
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given
// Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, registry *Registry, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngine(db, registry, nil, obs, RetryPolicy{})
}

// Convenience helpers that just forward to the underlying Engine.

// Start creates and runs a new orchestration instance.
func Start(ctx context.Context, eng Engine, name string, input any) (*InstanceInfo, error) {
	return eng.Start(ctx, name, input)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*InstanceInfo, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists orchestration instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*InstanceInfo, error) {
	return eng.ListInstances(ctx, opts)
}

// RaiseEvent delivers a named external event to a running instance.
func RaiseEvent(ctx context.Context, eng Engine, id string, name string, payload any) error {
	return eng.RaiseEvent(ctx, id, name, payload)
}

// Terminate force-terminates a running instance.
func Terminate(ctx context.Context, eng Engine, id string, reason string) error {
	return eng.Terminate(ctx, id, reason)
}
