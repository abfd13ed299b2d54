package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status represents the lifecycle state of an orchestration instance.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTerminated Status = "TERMINATED"
)

// Terminal reports whether s is a terminal status. Once an instance reaches
// a terminal status its history and output never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

var (
	// ErrInstanceNotFound is returned when an orchestration instance does
	// not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceCompleted is returned when an operation (raising an event,
	// terminating) targets an instance that has already reached a terminal
	// status.
	ErrInstanceCompleted = errors.New("instance already completed")

	// ErrNonDeterministic indicates that replaying orchestration logic
	// produced a different scheduling decision than its recorded history.
	// This is fatal for the instance and usually means the orchestrator
	// code was changed while instances were in flight.
	ErrNonDeterministic = errors.New("non-deterministic orchestration")

	// ErrTimerService indicates that a durable timer could not be
	// registered or cancelled. Resumes that hit this error are retried
	// with backoff; a missed timer registration would otherwise strand
	// the instance forever.
	ErrTimerService = errors.New("timer service unavailable")
)

// ActivityError is the failure of an activity execution, surfaced to
// orchestration logic as the error of the awaited activity future.
type ActivityError struct {
	Activity string
	Message  string
}

func (e *ActivityError) Error() string {
	return "activity " + e.Activity + " failed: " + e.Message
}

// InstanceInfo describes one orchestration instance.
//
// Input and Output are stored as JSON so they round-trip through any
// persistence backend without type registration.
type InstanceInfo struct {
	ID            string
	Orchestration string
	Version       string
	Status        Status
	Input         json.RawMessage
	Output        json.RawMessage

	// Error holds the failure or termination reason for instances in
	// StatusFailed or StatusTerminated.
	Error string

	CreatedTime     time.Time
	LastUpdatedTime time.Time
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Orchestration, if non-empty, limits results to instances of the
	// given orchestration.
	Orchestration string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// Engine is the high-level instance manager API.
type Engine interface {
	// Start creates a new orchestration instance, records its start in
	// history, and runs it up to its first suspension point.
	Start(ctx context.Context, orchestration string, input any) (*InstanceInfo, error)

	// GetInstance looks up an orchestration instance by ID.
	GetInstance(ctx context.Context, id string) (*InstanceInfo, error)

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*InstanceInfo, error)

	// RaiseEvent delivers a named external event to a running instance.
	// Events the instance is not yet waiting for are buffered in history
	// and matched when the logic reaches a corresponding wait.
	//
	// Returns ErrInstanceNotFound if id is unknown and ErrInstanceCompleted
	// if the instance has already reached a terminal status.
	RaiseEvent(ctx context.Context, id string, name string, payload any) error

	// Terminate forces the instance into StatusTerminated regardless of
	// pending waits, cancelling any outstanding durable timers.
	Terminate(ctx context.Context, id string, reason string) error

	// CompleteActivity records the result (or failure) of a scheduled
	// activity and resumes the instance. It is intended for activity
	// workers; application code should not call it directly.
	CompleteActivity(ctx context.Context, instanceID string, taskID int32, result json.RawMessage, actErr error) error
}

// Marshal serializes an orchestration input, output, or event payload to
// JSON. A nil value produces nil; json.RawMessage values pass through
// untouched.
func Marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Unmarshal deserializes a payload produced by Marshal into v.
// Empty payloads leave v untouched.
func Unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}

// RetryPolicy controls how a transient engine-internal fault (a failed log
// append, an unavailable timer service) is retried. It is not applied to
// activity failures: those are surfaced to orchestration logic as values.
//
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. If zero,
	// retries happen immediately.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts. Zero means no cap.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay each attempt. Values <= 0
	// default to 2.0.
	BackoffMultiplier float64
}
