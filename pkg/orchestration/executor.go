package orchestration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

// ActionKind identifies a scheduling decision emitted by replay.
type ActionKind string

const (
	ActionScheduleActivity ActionKind = "schedule-activity"
	ActionCreateTimer      ActionKind = "create-timer"
	ActionCancelTimer      ActionKind = "cancel-timer"
	ActionComplete         ActionKind = "complete"
)

// Action is one scheduling decision. Actions already present in history are
// matched and consumed during replay; only the remainder is returned to the
// instance manager for application.
type Action struct {
	// ID is the deterministic per-instance sequence number of the await
	// point that produced this decision, used as the correlation key for
	// the matching completion event.
	ID int32

	Kind  ActionKind
	Name  string
	Input json.RawMessage

	// FireAt is set for create-timer actions.
	FireAt time.Time

	// TimerID is the target of a cancel-timer action.
	TimerID int32

	// Status, Output and Error are set for complete actions.
	Status api.Status
	Output json.RawMessage
	Error  string

	replayed bool
}

// Result is the outcome of one replay pass.
type Result struct {
	// Actions holds the new decisions, in deterministic emission order.
	// Decisions that matched existing history are excluded: they were
	// already applied by a previous pass.
	Actions []*Action

	// Completed reports whether the instance reached (or had already
	// reached) a terminal state.
	Completed bool

	// FatalErr is non-nil when replay failed with an engine-level fault
	// such as api.ErrNonDeterministic. In that case Actions contains only
	// the failure decision.
	FatalErr error
}

// Execute replays the orchestration logic registered for the instance's
// history from the start, fast-forwarding through recorded decisions, and
// returns the new decisions reached beyond them. It has no side effects of
// its own: applying the decisions is the instance manager's job.
func Execute(registry *Registry, instanceID string, history []api.HistoryEvent) *Result {
	c := &Context{
		registry:        registry,
		instanceID:      instanceID,
		history:         history,
		pendingActions:  make(map[int32]*Action),
		pendingCancels:  make(map[int32]*Action),
		pendingTasks:    make(map[int32]*completableFuture),
		cancelledTimers: make(map[int32]bool),
		eventWaiters:    make(map[string][]*completableFuture),
		bufferedEvents:  make(map[string][]json.RawMessage),
	}

	if len(history) == 0 || history[0].Kind != api.EventOrchestrationStarted {
		fatal := fmt.Errorf("%w: history does not begin with %s", api.ErrNonDeterministic, api.EventOrchestrationStarted)
		return &Result{Actions: []*Action{c.failAction(fatal)}, Completed: true, FatalErr: fatal}
	}

	fatal := c.run()
	if fatal != nil {
		return &Result{Actions: []*Action{c.failAction(fatal)}, Completed: true, FatalErr: fatal}
	}

	res := &Result{Completed: c.terminalRecorded}
	for _, a := range c.actions {
		if a.replayed {
			continue
		}
		res.Actions = append(res.Actions, a)
		if a.Kind == ActionComplete {
			res.Completed = true
		}
	}
	return res
}

// run pumps the whole history. A blocked await unwinds here via
// errTaskBlocked; anything the orchestrator left pending at that point is
// reported through Context.actions.
func (c *Context) run() (fatal error) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case fatalError:
			fatal = r.err
		default:
			if err, ok := r.(error); ok && err == errTaskBlocked {
				return
			}
			panic(r)
		}
	}()

	for c.pump() {
	}
	return nil
}

// pump processes the next history event. It returns false once history is
// exhausted, which is the signal for a blocked await to suspend.
func (c *Context) pump() bool {
	if c.index >= len(c.history) {
		return false
	}
	e := c.history[c.index]
	c.index++

	if !e.Timestamp.IsZero() {
		c.now = e.Timestamp
	}

	if err := c.processEvent(e); err != nil {
		panic(fatalError{err: err})
	}
	return true
}

func (c *Context) processEvent(e api.HistoryEvent) error {
	switch e.Kind {
	case api.EventOrchestrationStarted:
		return c.onStarted(e)
	case api.EventActivityScheduled:
		return c.matchAction(e, ActionScheduleActivity)
	case api.EventActivityCompleted:
		c.onActivityCompleted(e)
	case api.EventTimerCreated:
		return c.matchAction(e, ActionCreateTimer)
	case api.EventTimerFired:
		c.onTimerFired(e)
	case api.EventTimerCancelled:
		return c.onTimerCancelled(e)
	case api.EventExternalEventReceived:
		c.onExternalEvent(e)
	case api.EventOrchestrationCompleted:
		c.onTerminal(e)
	default:
		return fmt.Errorf("unknown history event kind %q at seq %d", e.Kind, e.Seq)
	}
	return nil
}

func (c *Context) onStarted(e api.HistoryEvent) error {
	fn, err := c.registry.Orchestrator(e.Name, e.Version)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrNonDeterministic, err)
	}

	c.name = e.Name
	c.version = e.Version
	c.rawInput = e.Payload

	output, appErr := fn(c)
	if appErr != nil {
		c.recordComplete(api.StatusFailed, nil, appErr.Error())
		return nil
	}

	raw, err := api.Marshal(output)
	if err != nil {
		c.recordComplete(api.StatusFailed, nil, fmt.Sprintf("marshal orchestration output: %v", err))
		return nil
	}
	c.recordComplete(api.StatusCompleted, raw, "")
	return nil
}

// matchAction validates that the decision replay just emitted for this
// sequence number is the one history recorded, payload included: a same-
// name activity with different input, or a timer with a shifted deadline,
// is as much a determinism break as a different call. A mismatch means
// the logic changed mid-flight.
func (c *Context) matchAction(e api.HistoryEvent, kind ActionKind) error {
	a, ok := c.pendingActions[e.TaskID]
	mismatch := !ok || a.Kind != kind
	if !mismatch {
		switch kind {
		case ActionScheduleActivity:
			mismatch = a.Name != e.Name || !bytes.Equal(a.Input, e.Payload)
		case ActionCreateTimer:
			mismatch = !a.FireAt.Equal(e.FireAt)
		}
	}
	if mismatch {
		return fmt.Errorf("%w: history records %s %q with task id %d, but replay made a different decision at this position",
			api.ErrNonDeterministic, kind, e.Name, e.TaskID)
	}
	a.replayed = true
	delete(c.pendingActions, e.TaskID)
	return nil
}

func (c *Context) onActivityCompleted(e api.HistoryEvent) {
	f, ok := c.pendingTasks[e.TaskID]
	if !ok {
		// Duplicate delivery; the first one already resumed the await.
		return
	}
	delete(c.pendingTasks, e.TaskID)

	if e.Error != "" {
		f.fail(&api.ActivityError{Activity: f.activity, Message: e.Error})
		return
	}
	f.complete(e.Payload)
}

func (c *Context) onTimerFired(e api.HistoryEvent) {
	if c.cancelledTimers[e.TaskID] {
		// Stale wakeup from a cancelled timer; must not reach the logic.
		return
	}
	f, ok := c.pendingTasks[e.TaskID]
	if !ok {
		return
	}
	delete(c.pendingTasks, e.TaskID)
	f.complete(nil)
}

func (c *Context) onTimerCancelled(e api.HistoryEvent) error {
	a, ok := c.pendingCancels[e.TaskID]
	if !ok {
		return fmt.Errorf("%w: history records cancellation of timer %d, but replay did not cancel it",
			api.ErrNonDeterministic, e.TaskID)
	}
	a.replayed = true
	delete(c.pendingCancels, e.TaskID)
	c.cancelledTimers[e.TaskID] = true
	return nil
}

func (c *Context) onExternalEvent(e api.HistoryEvent) {
	waiters := c.eventWaiters[e.Name]
	if len(waiters) > 0 {
		f := waiters[0]
		if len(waiters) > 1 {
			c.eventWaiters[e.Name] = waiters[1:]
		} else {
			delete(c.eventWaiters, e.Name)
		}
		f.complete(e.Payload)
		return
	}
	// No wait reached yet: buffer in encounter order for a later
	// WaitForEvent.
	c.bufferedEvents[e.Name] = append(c.bufferedEvents[e.Name], e.Payload)
}

func (c *Context) onTerminal(e api.HistoryEvent) {
	c.terminalRecorded = true
	// Consume the pending complete decision if this pass re-emitted it
	// (a previous pass crashed between the append and the status update).
	for id, a := range c.pendingActions {
		if a.Kind == ActionComplete {
			a.replayed = true
			delete(c.pendingActions, id)
		}
	}
}

func (c *Context) recordComplete(status api.Status, output json.RawMessage, errMsg string) {
	if c.terminalRecorded {
		return
	}
	a := &Action{
		ID:     c.nextSeq(),
		Kind:   ActionComplete,
		Status: status,
		Output: output,
		Error:  errMsg,
	}
	c.actions = append(c.actions, a)
	c.pendingActions[a.ID] = a
}

func (c *Context) failAction(err error) *Action {
	return &Action{
		ID:     c.nextSeq(),
		Kind:   ActionComplete,
		Status: api.StatusFailed,
		Error:  err.Error(),
	}
}
