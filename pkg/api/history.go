package api

import (
	"encoding/json"
	"time"
)

// EventKind identifies the kind of a history event.
type EventKind string

const (
	EventOrchestrationStarted   EventKind = "orchestration-started"
	EventActivityScheduled      EventKind = "activity-scheduled"
	EventActivityCompleted      EventKind = "activity-completed"
	EventTimerCreated           EventKind = "timer-created"
	EventTimerFired             EventKind = "timer-fired"
	EventTimerCancelled         EventKind = "timer-cancelled"
	EventExternalEventReceived  EventKind = "external-event-received"
	EventOrchestrationCompleted EventKind = "orchestration-completed"
)

// HistoryEvent is one immutable, append-only fact about an instance's
// execution. The sequence of history events is the only persisted truth
// the replay scheduler consumes; insertion order is replay order and is
// never mutated once appended.
type HistoryEvent struct {
	// Seq is the per-instance monotonic sequence number, assigned by the
	// history store on append.
	Seq int64

	Kind      EventKind
	Timestamp time.Time

	// TaskID correlates scheduling decisions with their completions:
	// ActivityScheduled/ActivityCompleted and TimerCreated/TimerFired/
	// TimerCancelled pairs share a TaskID. It is derived from the position
	// of the await in deterministic execution order, so replays map the
	// same call site to the same ID.
	TaskID int32

	// Name is the activity name (activity events), event name (external
	// events), or orchestration name (started event).
	Name string

	// Version is the orchestrator version, set on the started event.
	Version string

	// Payload carries the input, result, event payload, or terminal
	// output, depending on Kind.
	Payload json.RawMessage

	// Error carries an activity failure message or the terminal error of
	// a failed/terminated instance.
	Error string

	// FireAt is the absolute deadline of a created timer. Durable timers
	// persist absolute timestamps, never relative durations, so a
	// restarted timer service re-derives identical wake times.
	FireAt time.Time

	// Status is the terminal status recorded by an
	// EventOrchestrationCompleted event.
	Status Status
}
