package orchestration

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

// errTaskBlocked unwinds the orchestrator function when an await has no
// recorded result yet. The executor recovers it and returns the pending
// decisions to the instance manager.
var errTaskBlocked = errors.New("orchestration task blocked")

// fatalError unwinds the orchestrator when replay itself is broken
// (a determinism violation), as opposed to an application fault.
type fatalError struct {
	err error
}

// Future is the result of a scheduled activity, durable timer, or external
// event wait. Awaiting a Future suspends the orchestration until the
// corresponding completion is recorded in history.
type Future interface {
	// Await blocks until the result is available, then unmarshals it into
	// v (which may be nil to discard the value). Activity failures are
	// returned as *api.ActivityError.
	Await(v any) error

	ready() bool
}

type completableFuture struct {
	ctx       *Context
	activity  string
	completed bool
	result    json.RawMessage
	err       error
}

func (f *completableFuture) ready() bool { return f.completed }

func (f *completableFuture) Await(v any) error {
	for !f.completed {
		if !f.ctx.pump() {
			panic(errTaskBlocked)
		}
	}
	if f.err != nil {
		return f.err
	}
	return api.Unmarshal(f.result, v)
}

func (f *completableFuture) complete(data json.RawMessage) {
	f.completed = true
	f.result = data
}

func (f *completableFuture) fail(err error) {
	f.completed = true
	f.err = err
}

// Timer is the awaitable handle of a durable timer. Cancelling a timer the
// logic no longer needs records a cancellation in history so the pending
// deadline cannot fire a stale wakeup into a later replay.
type Timer struct {
	completableFuture

	id              int32
	fireAt          time.Time
	cancelRequested bool
}

// FireAt returns the absolute deadline of the timer, as fixed at the moment
// the timer was first scheduled.
func (t *Timer) FireAt() time.Time { return t.fireAt }

// Cancel marks the timer dead. It is a no-op if the timer already fired or
// was already cancelled.
func (t *Timer) Cancel() {
	if t.completed || t.cancelRequested {
		return
	}
	t.cancelRequested = true

	c := t.ctx
	a := &Action{ID: c.nextSeq(), Kind: ActionCancelTimer, TimerID: t.id}
	c.actions = append(c.actions, a)
	c.pendingCancels[t.id] = a
	// Any TimerFired recorded after this point is a stale wakeup.
	c.cancelledTimers[t.id] = true
}

// AnyFuture is a race between several futures.
type AnyFuture struct {
	ctx     *Context
	futures []Future
}

// Await blocks until the first of the raced futures completes and returns
// it. The winner is whichever completion appears earliest in history,
// regardless of real-world arrival order, which keeps replays identical.
func (a *AnyFuture) Await() Future {
	for {
		for _, f := range a.futures {
			if f.ready() {
				return f
			}
		}
		if !a.ctx.pump() {
			panic(errTaskBlocked)
		}
	}
}

// Context carries the replay state of one orchestration execution. It is
// the only legal source of time, inputs, and await results inside an
// OrchestratorFunc.
//
// A Context is confined to the single goroutine executing the orchestrator;
// it must not be retained or shared.
type Context struct {
	registry   *Registry
	instanceID string
	name       string
	version    string
	rawInput   json.RawMessage

	history []api.HistoryEvent
	index   int
	now     time.Time

	seq            int32
	actions        []*Action
	pendingActions map[int32]*Action
	pendingCancels map[int32]*Action
	pendingTasks   map[int32]*completableFuture

	cancelledTimers map[int32]bool

	eventWaiters   map[string][]*completableFuture
	bufferedEvents map[string][]json.RawMessage

	terminalRecorded bool
}

// InstanceID returns the unique id of the executing instance.
func (c *Context) InstanceID() string { return c.instanceID }

// Name returns the orchestration name.
func (c *Context) Name() string { return c.name }

// Now returns the deterministic current time: the timestamp of the history
// event being replayed. Orchestration logic must use this instead of
// time.Now.
func (c *Context) Now() time.Time { return c.now }

// GetInput unmarshals the instance input into v.
func (c *Context) GetInput(v any) error {
	return api.Unmarshal(c.rawInput, v)
}

// CallActivity schedules a one-shot activity invocation. The returned
// future completes with the activity's recorded result; on replay the
// recorded result is consumed without re-invoking the activity.
func (c *Context) CallActivity(name string, input any) Future {
	f := &completableFuture{ctx: c, activity: name}

	raw, err := api.Marshal(input)
	if err != nil {
		f.fail(fmt.Errorf("marshal input for activity %q: %w", name, err))
		return f
	}

	id := c.nextSeq()
	a := &Action{ID: id, Kind: ActionScheduleActivity, Name: name, Input: raw}
	c.actions = append(c.actions, a)
	c.pendingActions[id] = a
	c.pendingTasks[id] = f
	return f
}

// CreateTimer schedules a durable timer that fires d after the current
// deterministic time.
func (c *Context) CreateTimer(d time.Duration) *Timer {
	return c.CreateTimerAt(c.now.Add(d))
}

// CreateTimerAt schedules a durable timer with an absolute deadline.
func (c *Context) CreateTimerAt(fireAt time.Time) *Timer {
	id := c.nextSeq()
	a := &Action{ID: id, Kind: ActionCreateTimer, FireAt: fireAt}
	c.actions = append(c.actions, a)
	c.pendingActions[id] = a

	t := &Timer{
		completableFuture: completableFuture{ctx: c},
		id:                id,
		fireAt:            fireAt,
	}
	c.pendingTasks[id] = &t.completableFuture
	return t
}

// WaitForEvent returns a future that completes when an external event with
// the given name is raised against this instance. An event raised before
// the logic reaches this wait is consumed from the history buffer in
// encounter order, so early events are never lost.
func (c *Context) WaitForEvent(name string) Future {
	f := &completableFuture{ctx: c}

	if q := c.bufferedEvents[name]; len(q) > 0 {
		c.bufferedEvents[name] = q[1:]
		f.complete(q[0])
		return f
	}

	c.eventWaiters[name] = append(c.eventWaiters[name], f)
	return f
}

// WhenAny races the given futures. Await the result to learn the winner.
func (c *Context) WhenAny(futures ...Future) *AnyFuture {
	return &AnyFuture{ctx: c, futures: futures}
}

func (c *Context) nextSeq() int32 {
	c.seq++
	return c.seq
}
