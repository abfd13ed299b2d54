package persistence

import (
	"context"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Orchestration string
	Status        api.Status
}

// InstanceStore handles storage of orchestration instances.
type InstanceStore interface {
	SaveInstance(inst *api.InstanceInfo) error
	UpdateInstance(inst *api.InstanceInfo) error
	GetInstance(id string) (*api.InstanceInfo, error)
	ListInstances(filter InstanceFilter) ([]*api.InstanceInfo, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an instance.
	// If the instance is currently leased by another owner and the lease has not
	// expired, it returns acquired=false, err=nil.
	//
	// Implementations should treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// HistoryStore is the append-only, per-instance ordered record of history
// events: the only persisted truth the replay scheduler consumes.
//
// Implementations assign monotonic sequence numbers on append and must never
// reorder or mutate a record once appended.
type HistoryStore interface {
	AppendEvent(ctx context.Context, instanceID string, ev api.HistoryEvent) (seq int64, err error)
	ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}

// Stores bundles the persistence backends the engine needs.
type Stores struct {
	Instances InstanceStore
	History   HistoryStore
}
