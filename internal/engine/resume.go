package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riptide-engine/riptide/internal/taskqueue"
	"github.com/riptide-engine/riptide/pkg/api"
	"github.com/riptide-engine/riptide/pkg/orchestration"
)

// resume serializes replay passes per instance. If a pass is already
// running, the new stimulus is queued and drained by that pass, so history
// appended concurrently is always picked up by a following pass.
func (e *Engine) resume(ctx context.Context, id string) error {
	e.mu.Lock()
	g, ok := e.gates[id]
	if !ok {
		g = &gate{}
		e.gates[id] = g
	}
	if g.busy {
		g.queued = true
		e.mu.Unlock()
		return nil
	}
	g.busy = true
	e.mu.Unlock()

	for {
		err := e.resumeOnce(ctx, id)

		e.mu.Lock()
		if g.queued && err == nil {
			g.queued = false
			e.mu.Unlock()
			continue
		}
		delete(e.gates, id)
		e.mu.Unlock()
		return err
	}
}

// resumeOnce runs one replay pass under the instance lock and the store
// lease: load history, replay the logic against it, apply the new
// decisions.
func (e *Engine) resumeOnce(ctx context.Context, id string) error {
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
		return nil
	}

	history, err := e.stores.History.ListEvents(ctx, id)
	if err != nil {
		return err
	}

	res := orchestration.Execute(e.registry, id, history)
	if res.FatalErr != nil {
		e.logger.Error("replay failed", "instance", id, "orchestration", inst.Orchestration, "err", res.FatalErr)
	}

	for _, act := range res.Actions {
		if err := e.applyAction(ctx, inst, act); err != nil {
			return err
		}
	}

	// Completing an action updated the row already; otherwise record that
	// the instance made progress so the supervisory sweep leaves it alone.
	// Work from a fresh read: the marker must never push a stale Running
	// snapshot over a terminal status recorded since this pass loaded.
	if inst.Status.Terminal() {
		return nil
	}
	fresh, err := e.stores.Instances.GetInstance(id)
	if err != nil {
		return err
	}
	if fresh.Status.Terminal() {
		return nil
	}
	fresh.LastUpdatedTime = time.Now()
	return e.stores.Instances.UpdateInstance(fresh)
}

// acquireLease takes the cross-process lease on the instance, retrying
// while another owner holds it.
func (e *Engine) acquireLease(ctx context.Context, id string) error {
	return e.retryTransient(ctx, "acquire lease", func() error {
		acquired, err := e.stores.Instances.TryAcquireLease(ctx, id, e.workerID, e.leaseTTL)
		if err != nil {
			return err
		}
		if !acquired {
			return fmt.Errorf("instance %s leased by another owner", id)
		}
		return nil
	})
}

// applyAction turns one replay decision into durable effects. The history
// record is always appended before its side effect, so a replayed decision
// is never applied twice.
func (e *Engine) applyAction(ctx context.Context, inst *api.InstanceInfo, act *orchestration.Action) error {
	switch act.Kind {
	case orchestration.ActionScheduleActivity:
		err := e.appendEvent(ctx, inst.ID, api.HistoryEvent{
			Kind:    api.EventActivityScheduled,
			TaskID:  act.ID,
			Name:    act.Name,
			Payload: act.Input,
		})
		if err != nil {
			return err
		}
		return e.retryTransient(ctx, "enqueue activity task", func() error {
			return e.queue.Enqueue(ctx, taskqueue.Task{
				ID:         uuid.NewString(),
				InstanceID: inst.ID,
				Activity:   act.Name,
				TaskID:     act.ID,
				Input:      act.Input,
				EnqueuedAt: time.Now(),
			})
		})

	case orchestration.ActionCreateTimer:
		err := e.appendEvent(ctx, inst.ID, api.HistoryEvent{
			Kind:   api.EventTimerCreated,
			TaskID: act.ID,
			FireAt: act.FireAt,
		})
		if err != nil {
			return err
		}
		if e.timers == nil {
			return fmt.Errorf("%w: no timer service configured", api.ErrTimerService)
		}
		return e.retryTransient(ctx, "schedule timer", func() error {
			return e.timers.Schedule(ctx, inst.ID, act.ID, act.FireAt)
		})

	case orchestration.ActionCancelTimer:
		err := e.appendEvent(ctx, inst.ID, api.HistoryEvent{
			Kind:   api.EventTimerCancelled,
			TaskID: act.TimerID,
		})
		if err != nil {
			return err
		}
		if e.timers == nil {
			return nil
		}
		return e.retryTransient(ctx, "cancel timer", func() error {
			return e.timers.Cancel(ctx, inst.ID, act.TimerID)
		})

	case orchestration.ActionComplete:
		return e.completeInstance(ctx, inst, act.Status, act.Output, act.Error)

	default:
		return fmt.Errorf("unknown action kind %q for instance %s", act.Kind, inst.ID)
	}
}

// completeInstance records the terminal history event, freezes the instance
// row and releases outstanding timers.
func (e *Engine) completeInstance(ctx context.Context, inst *api.InstanceInfo, status api.Status, output []byte, errMsg string) error {
	err := e.appendEvent(ctx, inst.ID, api.HistoryEvent{
		Kind:    api.EventOrchestrationCompleted,
		Status:  status,
		Payload: output,
		Error:   errMsg,
	})
	if err != nil {
		return err
	}

	inst.Status = status
	inst.Output = output
	inst.Error = errMsg
	inst.LastUpdatedTime = time.Now()
	if err := e.stores.Instances.UpdateInstance(inst); err != nil {
		return err
	}

	if e.timers != nil {
		if err := e.timers.CancelAll(ctx, inst.ID); err != nil {
			e.logger.Warn("cancel timers on completion", "instance", inst.ID, "err", err)
		}
	}

	if status == api.StatusFailed {
		e.observer.OnInstanceFailed(ctx, inst, errors.New(errMsg))
	} else {
		e.observer.OnInstanceCompleted(ctx, inst)
	}
	return nil
}

// retryTransient runs fn under the engine retry policy, backing off
// between attempts. It gives up early if ctx is cancelled.
func (e *Engine) retryTransient(ctx context.Context, op string, fn func() error) error {
	policy := e.retry

	backoff := policy.InitialBackoff
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == policy.MaxAttempts {
			break
		}

		e.logger.Warn(op, "attempt", attempt, "err", lastErr)

		if backoff > 0 {
			delay := backoff
			if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
				delay = policy.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			backoff = time.Duration(float64(backoff) * multiplier)
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}
