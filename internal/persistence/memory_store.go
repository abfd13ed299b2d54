package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of InstanceStore and
// HistoryStore backed by maps. It is not durable; use it for tests and
// development.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.InstanceInfo
	history   map[string][]api.HistoryEvent
	leases    map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.InstanceInfo),
		history:   make(map[string][]api.HistoryEvent),
		leases:    make(map[string]lease),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ InstanceStore = (*InMemoryStore)(nil)
var _ HistoryStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveInstance(inst *api.InstanceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateInstance(inst *api.InstanceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return api.ErrInstanceNotFound
	}

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetInstance(id string) (*api.InstanceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}

	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ListInstances(filter InstanceFilter) ([]*api.InstanceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.InstanceInfo

	for _, inst := range s.instances {
		if filter.Orchestration != "" && inst.Orchestration != filter.Orchestration {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	return result, nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, instanceID string, ev api.HistoryEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.history[instanceID]
	ev.Seq = int64(len(events)) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.history[instanceID] = append(events, ev)
	return ev.Seq, nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[instanceID]
	out := make([]api.HistoryEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[instanceID]
	if ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}

	s.leases[instanceID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[instanceID]
	if !ok || l.owner != owner {
		return api.ErrInstanceNotFound
	}

	l.expires = time.Now().Add(ttl)
	s.leases[instanceID] = l
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[instanceID]
	if ok && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}
