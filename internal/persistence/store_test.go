package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/riptide-engine/riptide/pkg/api"
)

type backend struct {
	name      string
	instances InstanceStore
	history   HistoryStore
}

func backends(t *testing.T) []backend {
	t.Helper()

	mem := NewInMemoryStore()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "store.db")+"?_journal=WAL")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	inst, err := NewSQLiteInstanceStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteInstanceStore failed: %v", err)
	}
	hist, err := NewSQLiteHistoryStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteHistoryStore failed: %v", err)
	}

	return []backend{
		{name: "memory", instances: mem, history: mem},
		{name: "sqlite", instances: inst, history: hist},
	}
}

func testInstance(id string) *api.InstanceInfo {
	now := time.Now().Truncate(time.Millisecond)
	return &api.InstanceInfo{
		ID:              id,
		Orchestration:   "verify",
		Version:         "v1",
		Status:          api.StatusRunning,
		Input:           json.RawMessage(`"+15551234567"`),
		CreatedTime:     now,
		LastUpdatedTime: now,
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			in := testInstance("i1")
			if err := b.instances.SaveInstance(in); err != nil {
				t.Fatalf("SaveInstance failed: %v", err)
			}

			got, err := b.instances.GetInstance("i1")
			if err != nil {
				t.Fatalf("GetInstance failed: %v", err)
			}
			if got.Orchestration != "verify" || got.Version != "v1" || got.Status != api.StatusRunning {
				t.Fatalf("round trip lost fields: %+v", got)
			}
			if string(got.Input) != `"+15551234567"` {
				t.Fatalf("input lost: %s", got.Input)
			}

			got.Status = api.StatusCompleted
			got.Output = json.RawMessage(`true`)
			if err := b.instances.UpdateInstance(got); err != nil {
				t.Fatalf("UpdateInstance failed: %v", err)
			}

			again, err := b.instances.GetInstance("i1")
			if err != nil {
				t.Fatalf("GetInstance failed: %v", err)
			}
			if again.Status != api.StatusCompleted || string(again.Output) != "true" {
				t.Fatalf("update lost: %+v", again)
			}
		})
	}
}

func TestInstanceNotFound(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			if _, err := b.instances.GetInstance("missing"); !errors.Is(err, api.ErrInstanceNotFound) {
				t.Fatalf("expected ErrInstanceNotFound, got %v", err)
			}
			err := b.instances.UpdateInstance(testInstance("missing"))
			if !errors.Is(err, api.ErrInstanceNotFound) {
				t.Fatalf("expected ErrInstanceNotFound on update, got %v", err)
			}
		})
	}
}

func TestListInstancesFilters(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			a := testInstance("a")
			if err := b.instances.SaveInstance(a); err != nil {
				t.Fatalf("SaveInstance failed: %v", err)
			}

			c := testInstance("c")
			c.Orchestration = "other"
			c.Status = api.StatusCompleted
			if err := b.instances.SaveInstance(c); err != nil {
				t.Fatalf("SaveInstance failed: %v", err)
			}

			all, err := b.instances.ListInstances(InstanceFilter{})
			if err != nil {
				t.Fatalf("ListInstances failed: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("expected 2 instances, got %d", len(all))
			}

			byName, err := b.instances.ListInstances(InstanceFilter{Orchestration: "verify"})
			if err != nil {
				t.Fatalf("ListInstances failed: %v", err)
			}
			if len(byName) != 1 || byName[0].ID != "a" {
				t.Fatalf("orchestration filter broken: %+v", byName)
			}

			byStatus, err := b.instances.ListInstances(InstanceFilter{Status: api.StatusCompleted})
			if err != nil {
				t.Fatalf("ListInstances failed: %v", err)
			}
			if len(byStatus) != 1 || byStatus[0].ID != "c" {
				t.Fatalf("status filter broken: %+v", byStatus)
			}
		})
	}
}

func TestHistoryAppendAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			fireAt := time.Now().Add(90 * time.Second).Truncate(time.Millisecond)

			events := []api.HistoryEvent{
				{Kind: api.EventOrchestrationStarted, Name: "verify", Version: "v1", Payload: json.RawMessage(`"p"`)},
				{Kind: api.EventActivityScheduled, TaskID: 1, Name: "send-code"},
				{Kind: api.EventTimerCreated, TaskID: 2, FireAt: fireAt},
				{Kind: api.EventOrchestrationCompleted, Status: api.StatusCompleted, Payload: json.RawMessage(`true`)},
			}
			for i, ev := range events {
				ev.Timestamp = time.Now()
				seq, err := b.history.AppendEvent(ctx, "i1", ev)
				if err != nil {
					t.Fatalf("AppendEvent %d failed: %v", i, err)
				}
				if seq != int64(i+1) {
					t.Fatalf("expected seq %d, got %d", i+1, seq)
				}
			}

			got, err := b.history.ListEvents(ctx, "i1")
			if err != nil {
				t.Fatalf("ListEvents failed: %v", err)
			}
			if len(got) != len(events) {
				t.Fatalf("expected %d events, got %d", len(events), len(got))
			}
			for i, e := range got {
				if e.Seq != int64(i+1) {
					t.Fatalf("event %d out of order: seq %d", i, e.Seq)
				}
				if e.Kind != events[i].Kind {
					t.Fatalf("event %d kind mismatch: %s vs %s", i, e.Kind, events[i].Kind)
				}
			}
			if got[1].TaskID != 1 || got[1].Name != "send-code" {
				t.Fatalf("activity fields lost: %+v", got[1])
			}
			if !got[2].FireAt.Equal(fireAt) {
				t.Fatalf("fireAt lost: %v vs %v", got[2].FireAt, fireAt)
			}
			if got[3].Status != api.StatusCompleted || string(got[3].Payload) != "true" {
				t.Fatalf("terminal fields lost: %+v", got[3])
			}

			// Histories are per instance.
			other, err := b.history.ListEvents(ctx, "i2")
			if err != nil {
				t.Fatalf("ListEvents failed: %v", err)
			}
			if len(other) != 0 {
				t.Fatalf("expected empty history for i2, got %d events", len(other))
			}
		})
	}
}

func TestLeaseExclusion(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			if err := b.instances.SaveInstance(testInstance("i1")); err != nil {
				t.Fatalf("SaveInstance failed: %v", err)
			}

			ok, err := b.instances.TryAcquireLease(ctx, "i1", "w1", time.Minute)
			if err != nil || !ok {
				t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
			}

			// Another owner is locked out while the lease is live.
			ok, err = b.instances.TryAcquireLease(ctx, "i1", "w2", time.Minute)
			if err != nil {
				t.Fatalf("TryAcquireLease failed: %v", err)
			}
			if ok {
				t.Fatal("second owner must not acquire a live lease")
			}

			// The holder re-acquires its own lease.
			ok, err = b.instances.TryAcquireLease(ctx, "i1", "w1", time.Minute)
			if err != nil || !ok {
				t.Fatalf("re-entrant acquire should succeed: ok=%v err=%v", ok, err)
			}

			if err := b.instances.RenewLease(ctx, "i1", "w1", time.Minute); err != nil {
				t.Fatalf("RenewLease failed: %v", err)
			}

			if err := b.instances.ReleaseLease(ctx, "i1", "w1"); err != nil {
				t.Fatalf("ReleaseLease failed: %v", err)
			}
			ok, err = b.instances.TryAcquireLease(ctx, "i1", "w2", time.Minute)
			if err != nil || !ok {
				t.Fatalf("acquire after release should succeed: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			if err := b.instances.SaveInstance(testInstance("i1")); err != nil {
				t.Fatalf("SaveInstance failed: %v", err)
			}

			ok, err := b.instances.TryAcquireLease(ctx, "i1", "w1", 10*time.Millisecond)
			if err != nil || !ok {
				t.Fatalf("acquire should succeed: ok=%v err=%v", ok, err)
			}

			time.Sleep(30 * time.Millisecond)

			// An expired lease is up for grabs.
			ok, err = b.instances.TryAcquireLease(ctx, "i1", "w2", time.Minute)
			if err != nil || !ok {
				t.Fatalf("acquire of expired lease should succeed: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestReleaseLeaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			if err := b.instances.SaveInstance(testInstance("i1")); err != nil {
				t.Fatalf("SaveInstance failed: %v", err)
			}
			if err := b.instances.ReleaseLease(ctx, "i1", "w1"); err != nil {
				t.Fatalf("releasing a lease never held should be a no-op: %v", err)
			}

			ok, err := b.instances.TryAcquireLease(ctx, "i1", "w1", time.Minute)
			if err != nil || !ok {
				t.Fatalf("acquire should succeed: ok=%v err=%v", ok, err)
			}
			// Releasing with the wrong owner must not drop w1's lease.
			if err := b.instances.ReleaseLease(ctx, "i1", "w2"); err != nil {
				t.Fatalf("foreign release should be a no-op: %v", err)
			}
			ok, err = b.instances.TryAcquireLease(ctx, "i1", "w3", time.Minute)
			if err != nil {
				t.Fatalf("TryAcquireLease failed: %v", err)
			}
			if ok {
				t.Fatal("foreign release must not free the lease")
			}
		})
	}
}
