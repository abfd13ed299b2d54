package timer

import (
	"context"
	"sync"
	"time"
)

// Entry is one pending durable timer. FireAt is an absolute timestamp, so a
// restarted service re-derives identical wake times from the store.
type Entry struct {
	InstanceID string
	TaskID     int32
	FireAt     time.Time
}

// Store persists pending timers.
type Store interface {
	Add(ctx context.Context, e Entry) error

	// Cancel marks a timer dead. Cancelled timers are never returned by
	// Due. Cancelling an unknown or already fired timer is a no-op.
	Cancel(ctx context.Context, instanceID string, taskID int32) error

	// CancelAll marks every pending timer of an instance dead. Used when
	// an instance reaches a terminal status.
	CancelAll(ctx context.Context, instanceID string) error

	// Due returns timers whose deadline has passed and which are neither
	// cancelled nor already fired.
	Due(ctx context.Context, now time.Time) ([]Entry, error)

	// MarkFired records that a timer's fire was delivered.
	MarkFired(ctx context.Context, instanceID string, taskID int32) error
}

// InMemoryStore is a Store backed by a map. Not durable; for tests and
// development.
type InMemoryStore struct {
	mu     sync.Mutex
	timers map[timerKey]*timerState
}

type timerKey struct {
	instanceID string
	taskID     int32
}

type timerState struct {
	fireAt    time.Time
	cancelled bool
	fired     bool
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{timers: make(map[timerKey]*timerState)}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) Add(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[timerKey{e.InstanceID, e.TaskID}] = &timerState{fireAt: e.FireAt}
	return nil
}

func (s *InMemoryStore) Cancel(ctx context.Context, instanceID string, taskID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[timerKey{instanceID, taskID}]; ok {
		t.cancelled = true
	}
	return nil
}

func (s *InMemoryStore) CancelAll(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, t := range s.timers {
		if k.instanceID == instanceID {
			t.cancelled = true
		}
	}
	return nil
}

func (s *InMemoryStore) Due(ctx context.Context, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Entry
	for k, t := range s.timers {
		if t.cancelled || t.fired || t.fireAt.After(now) {
			continue
		}
		due = append(due, Entry{InstanceID: k.instanceID, TaskID: k.taskID, FireAt: t.fireAt})
	}
	return due, nil
}

func (s *InMemoryStore) MarkFired(ctx context.Context, instanceID string, taskID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[timerKey{instanceID, taskID}]; ok {
		t.fired = true
	}
	return nil
}
