package orchestration

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// windowDeadline is where the single response window closes when the
// challenge activity completes at its canonical position in windowOpen.
var windowDeadline = testBase.Add(2*time.Second + 90*time.Second)

// hist assigns sequence numbers and timestamps so tests can state histories
// as plain event lists.
func hist(events ...api.HistoryEvent) []api.HistoryEvent {
	out := make([]api.HistoryEvent, len(events))
	for i, e := range events {
		e.Seq = int64(i + 1)
		if e.Timestamp.IsZero() {
			e.Timestamp = testBase.Add(time.Duration(i) * time.Second)
		}
		out[i] = e
	}
	return out
}

// verifyOrchestrator is the bounded challenge/response loop: send one code,
// open one 90s window, and give the caller up to 4 attempts against that
// same deadline. A wrong code cancels nothing.
func verifyOrchestrator(ctx *Context) (any, error) {
	var phone string
	if err := ctx.GetInput(&phone); err != nil {
		return nil, err
	}

	var code string
	if err := ctx.CallActivity("send-code", phone).Await(&code); err != nil {
		return false, err
	}
	timeout := ctx.CreateTimer(90 * time.Second)

	for attempt := 0; attempt < 4; attempt++ {
		response := ctx.WaitForEvent("code-response")

		winner := ctx.WhenAny(response, timeout).Await()
		if winner == timeout {
			return false, nil
		}

		var answer string
		if err := response.Await(&answer); err != nil {
			return false, err
		}
		if answer == code {
			timeout.Cancel()
			return true, nil
		}
	}
	return false, nil
}

func verifyRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.AddOrchestrator("verify", verifyOrchestrator); err != nil {
		t.Fatalf("AddOrchestrator failed: %v", err)
	}
	return reg
}

func started() api.HistoryEvent {
	return api.HistoryEvent{
		Kind:    api.EventOrchestrationStarted,
		Name:    "verify",
		Version: "v1",
		Payload: json.RawMessage(`"+15551234567"`),
	}
}

// windowOpen is the shared opening of every verification history: the code
// "1111" was sent once and the response window opened. Positions matter to
// hist's timestamps, so the recorded deadline is windowDeadline.
func windowOpen(rest ...api.HistoryEvent) []api.HistoryEvent {
	events := []api.HistoryEvent{
		started(),
		{Kind: api.EventActivityScheduled, TaskID: 1, Name: "send-code", Payload: json.RawMessage(`"+15551234567"`)},
		{Kind: api.EventActivityCompleted, TaskID: 1, Payload: json.RawMessage(`"1111"`)},
		{Kind: api.EventTimerCreated, TaskID: 2, FireAt: windowDeadline},
	}
	return append(events, rest...)
}

func response(code string) api.HistoryEvent {
	return api.HistoryEvent{Kind: api.EventExternalEventReceived, Name: "code-response", Payload: json.RawMessage(`"` + code + `"`)}
}

func TestReplaySchedulesFirstActivity(t *testing.T) {
	reg := verifyRegistry(t)

	res := Execute(reg, "i1", hist(started()))
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if res.Completed {
		t.Fatal("instance should not be complete after the started event")
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(res.Actions))
	}
	a := res.Actions[0]
	if a.Kind != ActionScheduleActivity || a.Name != "send-code" || a.ID != 1 {
		t.Fatalf("unexpected first action: %+v", a)
	}
}

func TestReplayMatchesRecordedDecisions(t *testing.T) {
	reg := verifyRegistry(t)

	h := hist(
		started(),
		api.HistoryEvent{Kind: api.EventActivityScheduled, TaskID: 1, Name: "send-code", Payload: json.RawMessage(`"+15551234567"`)},
	)
	res := Execute(reg, "i1", h)
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("recorded decision must not be re-emitted, got %+v", res.Actions)
	}
}

func TestActivityResultFlowsIntoTimerDecision(t *testing.T) {
	reg := verifyRegistry(t)

	h := hist(
		started(),
		api.HistoryEvent{Kind: api.EventActivityScheduled, TaskID: 1, Name: "send-code", Payload: json.RawMessage(`"+15551234567"`)},
		api.HistoryEvent{Kind: api.EventActivityCompleted, TaskID: 1, Payload: json.RawMessage(`"1111"`)},
	)
	res := Execute(reg, "i1", h)
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d: %+v", len(res.Actions), res.Actions)
	}
	a := res.Actions[0]
	if a.Kind != ActionCreateTimer || a.ID != 2 {
		t.Fatalf("unexpected action: %+v", a)
	}

	// Deterministic time: the deadline derives from the replayed activity
	// completion timestamp, not from the wall clock of this replay.
	wantFireAt := h[2].Timestamp.Add(90 * time.Second)
	if !a.FireAt.Equal(wantFireAt) {
		t.Fatalf("expected fireAt %v, got %v", wantFireAt, a.FireAt)
	}
}

func TestEventWinsRace(t *testing.T) {
	reg := verifyRegistry(t)

	res := Execute(reg, "i1", hist(windowOpen(response("1111"))...))
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if len(res.Actions) != 2 {
		t.Fatalf("expected cancel + complete, got %+v", res.Actions)
	}
	if res.Actions[0].Kind != ActionCancelTimer || res.Actions[0].TimerID != 2 {
		t.Fatalf("expected cancellation of timer 2, got %+v", res.Actions[0])
	}
	complete := res.Actions[1]
	if complete.Kind != ActionComplete || complete.Status != api.StatusCompleted {
		t.Fatalf("expected successful completion, got %+v", complete)
	}
	if string(complete.Output) != "true" {
		t.Fatalf("expected output true, got %s", complete.Output)
	}
	if !res.Completed {
		t.Fatal("expected Completed")
	}
}

func TestTimerWinsRace(t *testing.T) {
	reg := verifyRegistry(t)

	res := Execute(reg, "i1", hist(windowOpen(
		api.HistoryEvent{Kind: api.EventTimerFired, TaskID: 2},
	)...))
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected only a completion, got %+v", res.Actions)
	}
	complete := res.Actions[0]
	if complete.Kind != ActionComplete || string(complete.Output) != "false" {
		t.Fatalf("expected output false, got %+v", complete)
	}
}

func TestWrongCodeKeepsWindowOpen(t *testing.T) {
	reg := verifyRegistry(t)

	// A wrong answer burns an attempt and nothing else: no re-send, no
	// timer churn. The logic blocks on the next response with the original
	// window still pending.
	res := Execute(reg, "i1", hist(windowOpen(response("9999"))...))
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if res.Completed {
		t.Fatal("wrong code must not complete the instance")
	}
	if len(res.Actions) != 0 {
		t.Fatalf("wrong code must not trigger new decisions, got %+v", res.Actions)
	}
}

func TestRightCodeAfterWrongCodes(t *testing.T) {
	reg := verifyRegistry(t)

	// Retries re-race the same pending timer. The right code on the third
	// attempt still wins the original window and cancels it.
	res := Execute(reg, "i1", hist(windowOpen(
		response("9999"),
		response("0000"),
		response("1111"),
	)...))
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if len(res.Actions) != 2 {
		t.Fatalf("expected cancel + complete, got %+v", res.Actions)
	}
	if res.Actions[0].Kind != ActionCancelTimer || res.Actions[0].TimerID != 2 {
		t.Fatalf("expected cancellation of timer 2, got %+v", res.Actions[0])
	}
	complete := res.Actions[1]
	if complete.Kind != ActionComplete || string(complete.Output) != "true" {
		t.Fatalf("expected output true, got %+v", complete)
	}
}

func TestWindowExpiryDuringRetries(t *testing.T) {
	reg := verifyRegistry(t)

	// Wrong answers spent two attempts, then the original deadline hit.
	res := Execute(reg, "i1", hist(windowOpen(
		response("9999"),
		response("0000"),
		api.HistoryEvent{Kind: api.EventTimerFired, TaskID: 2},
	)...))
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected only a completion, got %+v", res.Actions)
	}
	complete := res.Actions[0]
	if complete.Kind != ActionComplete || string(complete.Output) != "false" {
		t.Fatalf("expected output false, got %+v", complete)
	}
}

func TestFourWrongCodesFail(t *testing.T) {
	reg := verifyRegistry(t)

	res := Execute(reg, "i1", hist(windowOpen(
		response("9999"),
		response("8888"),
		response("7777"),
		response("6666"),
	)...))
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected only a completion, got %+v", res.Actions)
	}
	complete := res.Actions[0]
	if complete.Kind != ActionComplete || string(complete.Output) != "false" {
		t.Fatalf("expected output false after 4 wrong codes, got %+v", complete)
	}
}

func TestStaleTimerFireAfterCancelIsNoop(t *testing.T) {
	reg := verifyRegistry(t)

	// The window timer was cancelled by the correct answer; a fire already
	// in flight at that moment must not disturb the outcome.
	res := Execute(reg, "i1", hist(windowOpen(
		response("1111"),
		api.HistoryEvent{Kind: api.EventTimerCancelled, TaskID: 2},
		api.HistoryEvent{Kind: api.EventTimerFired, TaskID: 2},
	)...))
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected only a completion, got %+v", res.Actions)
	}
	complete := res.Actions[0]
	if complete.Kind != ActionComplete || string(complete.Output) != "true" {
		t.Fatalf("expected output true, got %+v", complete)
	}
}

func TestEarlyEventIsBuffered(t *testing.T) {
	reg := verifyRegistry(t)

	// The response arrives while the activity is still outstanding. It must
	// be buffered and consumed by the wait the logic reaches later.
	h := hist(
		started(),
		api.HistoryEvent{Kind: api.EventActivityScheduled, TaskID: 1, Name: "send-code", Payload: json.RawMessage(`"+15551234567"`)},
		api.HistoryEvent{Kind: api.EventExternalEventReceived, Name: "code-response", Payload: json.RawMessage(`"1111"`)},
		api.HistoryEvent{Kind: api.EventActivityCompleted, TaskID: 1, Payload: json.RawMessage(`"1111"`)},
	)
	res := Execute(reg, "i1", h)
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if len(res.Actions) != 3 {
		t.Fatalf("expected timer + cancel + complete, got %+v", res.Actions)
	}
	if res.Actions[0].Kind != ActionCreateTimer {
		t.Fatalf("expected create-timer first, got %+v", res.Actions[0])
	}
	if res.Actions[1].Kind != ActionCancelTimer {
		t.Fatalf("expected cancel-timer second, got %+v", res.Actions[1])
	}
	complete := res.Actions[2]
	if complete.Kind != ActionComplete || string(complete.Output) != "true" {
		t.Fatalf("expected output true, got %+v", complete)
	}
}

func TestActivityFailureSurfacesAsValue(t *testing.T) {
	reg := verifyRegistry(t)

	h := hist(
		started(),
		api.HistoryEvent{Kind: api.EventActivityScheduled, TaskID: 1, Name: "send-code", Payload: json.RawMessage(`"+15551234567"`)},
		api.HistoryEvent{Kind: api.EventActivityCompleted, TaskID: 1, Error: "sms gateway down"},
	)
	res := Execute(reg, "i1", h)
	if res.FatalErr != nil {
		t.Fatalf("activity failure must not be fatal for replay: %v", res.FatalErr)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected a completion, got %+v", res.Actions)
	}
	complete := res.Actions[0]
	if complete.Status != api.StatusFailed {
		t.Fatalf("expected failed completion, got %+v", complete)
	}
	if complete.Error == "" {
		t.Fatal("expected the activity error message on the completion")
	}
}

func TestDoubleReplayIsDeterministic(t *testing.T) {
	reg := verifyRegistry(t)

	histories := [][]api.HistoryEvent{
		hist(started()),
		hist(windowOpen()...),
		hist(windowOpen(response("9999"), response("1111"))...),
	}

	for i, h := range histories {
		first := Execute(reg, "i1", h)
		second := Execute(reg, "i1", h)

		if len(first.Actions) != len(second.Actions) {
			t.Fatalf("history %d: replay emitted %d then %d actions", i, len(first.Actions), len(second.Actions))
		}
		for j := range first.Actions {
			a, b := first.Actions[j], second.Actions[j]
			if a.ID != b.ID || a.Kind != b.Kind || a.Name != b.Name || a.TimerID != b.TimerID ||
				string(a.Output) != string(b.Output) || a.Status != b.Status {
				t.Fatalf("history %d action %d differs between replays: %+v vs %+v", i, j, a, b)
			}
		}
		if first.Completed != second.Completed {
			t.Fatalf("history %d: completion differs between replays", i)
		}
	}
}

func TestNonDeterminismDetected(t *testing.T) {
	reg := verifyRegistry(t)

	// History claims a different activity was scheduled at this position.
	h := hist(
		started(),
		api.HistoryEvent{Kind: api.EventActivityScheduled, TaskID: 1, Name: "charge-card"},
	)
	res := Execute(reg, "i1", h)
	if res.FatalErr == nil {
		t.Fatal("expected a fatal error")
	}
	if !errors.Is(res.FatalErr, api.ErrNonDeterministic) {
		t.Fatalf("expected ErrNonDeterministic, got %v", res.FatalErr)
	}
	if len(res.Actions) != 1 || res.Actions[0].Status != api.StatusFailed {
		t.Fatalf("expected a failure decision, got %+v", res.Actions)
	}
}

func TestChangedActivityInputDetected(t *testing.T) {
	reg := verifyRegistry(t)

	// Same activity at the same position, but history recorded it with a
	// different input. Replaying it silently would pretend the recorded
	// effect saw data it never received.
	h := hist(
		started(),
		api.HistoryEvent{Kind: api.EventActivityScheduled, TaskID: 1, Name: "send-code", Payload: json.RawMessage(`"+15550000000"`)},
	)
	res := Execute(reg, "i1", h)
	if !errors.Is(res.FatalErr, api.ErrNonDeterministic) {
		t.Fatalf("expected ErrNonDeterministic for changed input, got %v", res.FatalErr)
	}
}

func TestShiftedTimerDeadlineDetected(t *testing.T) {
	reg := verifyRegistry(t)

	h := hist(
		started(),
		api.HistoryEvent{Kind: api.EventActivityScheduled, TaskID: 1, Name: "send-code", Payload: json.RawMessage(`"+15551234567"`)},
		api.HistoryEvent{Kind: api.EventActivityCompleted, TaskID: 1, Payload: json.RawMessage(`"1111"`)},
		api.HistoryEvent{Kind: api.EventTimerCreated, TaskID: 2, FireAt: windowDeadline.Add(30 * time.Second)},
	)
	res := Execute(reg, "i1", h)
	if !errors.Is(res.FatalErr, api.ErrNonDeterministic) {
		t.Fatalf("expected ErrNonDeterministic for shifted deadline, got %v", res.FatalErr)
	}
}

func TestEmptyHistoryIsFatal(t *testing.T) {
	reg := verifyRegistry(t)

	res := Execute(reg, "i1", nil)
	if !errors.Is(res.FatalErr, api.ErrNonDeterministic) {
		t.Fatalf("expected ErrNonDeterministic, got %v", res.FatalErr)
	}
}

func TestUnknownOrchestratorIsFatal(t *testing.T) {
	reg := NewRegistry()

	res := Execute(reg, "i1", hist(started()))
	if !errors.Is(res.FatalErr, api.ErrNonDeterministic) {
		t.Fatalf("expected ErrNonDeterministic for unknown orchestrator, got %v", res.FatalErr)
	}
}

func TestTerminalHistoryEmitsNothing(t *testing.T) {
	reg := verifyRegistry(t)

	h := hist(
		started(),
		api.HistoryEvent{Kind: api.EventActivityScheduled, TaskID: 1, Name: "send-code", Payload: json.RawMessage(`"+15551234567"`)},
		api.HistoryEvent{Kind: api.EventOrchestrationCompleted, Status: api.StatusTerminated, Error: "operator request"},
	)
	res := Execute(reg, "i1", h)
	if res.FatalErr != nil {
		t.Fatalf("unexpected fatal error: %v", res.FatalErr)
	}
	if !res.Completed {
		t.Fatal("terminal history must report Completed")
	}
	if len(res.Actions) != 0 {
		t.Fatalf("terminal history must not produce new decisions, got %+v", res.Actions)
	}
}
