package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/riptide-engine/riptide/internal/persistence"
	"github.com/riptide-engine/riptide/pkg/api"
)

// SweepStalled fails every Running instance whose last progress is older
// than deadline. It is the backstop against instances stranded by an
// unhandled internal fault: after the sweep no instance stays Running
// forever, and its terminal state carries a structured timeout error.
//
// The deadline must be longer than the longest legitimate wait the
// registered orchestrations perform, or healthy instances get reaped.
func (e *Engine) SweepStalled(ctx context.Context, deadline time.Duration) (int, error) {
	insts, err := e.stores.Instances.ListInstances(persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-deadline)
	failed := 0
	for _, inst := range insts {
		if inst.LastUpdatedTime.After(cutoff) {
			continue
		}
		if err := e.failStalled(ctx, inst.ID, deadline); err != nil {
			e.logger.Warn("sweep stalled instance", "instance", inst.ID, "err", err)
			continue
		}
		failed++
	}
	return failed, nil
}

// failStalled moves one stalled instance to Failed under the instance
// lock and the usual lease, re-checking its state in case it progressed
// since the listing.
func (e *Engine) failStalled(ctx context.Context, id string, deadline time.Duration) error {
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
	if inst.Status.Terminal() || inst.LastUpdatedTime.After(time.Now().Add(-deadline)) {
		return nil
	}

	msg := fmt.Sprintf("no progress within %s, failed by supervisory sweep", deadline)
	e.logger.Error("instance stalled", "instance", id, "orchestration", inst.Orchestration, "deadline", deadline)
	return e.completeInstance(ctx, inst, api.StatusFailed, nil, msg)
}
