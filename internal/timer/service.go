package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

// FireFunc delivers a timer fire to the instance manager, which appends the
// TimerFired history record and triggers a resume.
type FireFunc func(ctx context.Context, instanceID string, taskID int32) error

// Config configures a Service.
type Config struct {
	// PollInterval is how often the service scans for due timers.
	// Defaults to 100ms.
	PollInterval time.Duration

	// Logger receives service-level warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// Service owns durable timer delivery. Deadlines live in a Store as
// absolute timestamps; the service polls for due entries and hands each
// fire to the instance manager exactly once per scan.
//
// Delivery is at-least-once across crashes: a fire whose MarkFired write is
// lost will be delivered again, and replay treats the duplicate TimerFired
// as a no-op.
type Service struct {
	store Store
	cfg   Config
	fire  FireFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewService creates a Service over the given store. Call OnFire before
// Start to wire delivery.
func NewService(store Store, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{store: store, cfg: cfg}
}

// OnFire sets the delivery callback. It must be called before Start.
func (s *Service) OnFire(fn FireFunc) {
	s.fire = fn
}

// Schedule registers a deadline for an instance's timer.
func (s *Service) Schedule(ctx context.Context, instanceID string, taskID int32, fireAt time.Time) error {
	if err := s.store.Add(ctx, Entry{InstanceID: instanceID, TaskID: taskID, FireAt: fireAt}); err != nil {
		return fmt.Errorf("%w: %v", api.ErrTimerService, err)
	}
	return nil
}

// Cancel marks a timer dead so it will never be delivered. The cancellation
// history record appended by the instance manager remains authoritative; a
// timer that fires concurrently with its own cancellation is resolved by
// history order.
func (s *Service) Cancel(ctx context.Context, instanceID string, taskID int32) error {
	if err := s.store.Cancel(ctx, instanceID, taskID); err != nil {
		return fmt.Errorf("%w: %v", api.ErrTimerService, err)
	}
	return nil
}

// CancelAll marks all pending timers of an instance dead.
func (s *Service) CancelAll(ctx context.Context, instanceID string) error {
	if err := s.store.CancelAll(ctx, instanceID); err != nil {
		return fmt.Errorf("%w: %v", api.ErrTimerService, err)
	}
	return nil
}

// Start launches the polling loop in a background goroutine.
// It returns an error if the service is already running or has no FireFunc.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("timer service already started")
	}
	if s.fire == nil {
		return fmt.Errorf("timer service has no fire callback; call OnFire first")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Stop cancels the polling loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep delivers every timer due at 'now'. It is exported so tests and
// single-shot callers can drive the service without the polling loop.
func (s *Service) Sweep(ctx context.Context, now time.Time) {
	due, err := s.store.Due(ctx, now)
	if err != nil {
		s.cfg.Logger.Warn("timer sweep failed", slog.Any("error", err))
		return
	}

	for _, e := range due {
		if err := s.fire(ctx, e.InstanceID, e.TaskID); err != nil {
			// Leave the entry pending; the next sweep retries.
			s.cfg.Logger.Warn("timer delivery failed",
				slog.String("instance_id", e.InstanceID),
				slog.Int("task_id", int(e.TaskID)),
				slog.Any("error", err),
			)
			continue
		}
		if err := s.store.MarkFired(ctx, e.InstanceID, e.TaskID); err != nil {
			s.cfg.Logger.Warn("timer mark-fired failed",
				slog.String("instance_id", e.InstanceID),
				slog.Int("task_id", int(e.TaskID)),
				slog.Any("error", err),
			)
		}
	}
}
