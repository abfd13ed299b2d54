package riptide

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	enginepkg "github.com/riptide-engine/riptide/internal/engine"
	"github.com/riptide-engine/riptide/internal/timer"
	"github.com/riptide-engine/riptide/pkg/worker"
)

// RuntimeConfig tunes a Runtime. The zero value gives sensible defaults.
type RuntimeConfig struct {
	// Observer receives engine and activity lifecycle events.
	Observer Observer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// TimerPollInterval is how often the timer service scans for due
	// timers. Defaults to 100ms.
	TimerPollInterval time.Duration

	// ActivityTimeout bounds a single activity invocation. Zero means
	// unbounded.
	ActivityTimeout time.Duration

	// Retry governs engine-internal transient faults such as a failed
	// history append. Build one with Retry(n), e.g.
	// Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, time.Second).Policy().
	// The zero value selects the engine defaults.
	Retry RetryPolicy

	// SweepInterval is how often stalled Running instances are checked.
	// Zero disables the supervisory sweep.
	SweepInterval time.Duration

	// SweepDeadline is the progress deadline: Running instances whose
	// last update is older than this are failed by the sweep. Must exceed
	// the longest legitimate wait your orchestrations perform.
	// Defaults to 24h.
	SweepDeadline time.Duration
}

func (c *RuntimeConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SweepDeadline <= 0 {
		c.SweepDeadline = 24 * time.Hour
	}
}

// Runtime bundles an Engine, its timer service, the activity task queue and
// a Worker consuming from it, so a single process can run orchestrations
// end to end.
//
// Typical usage:
//
//	registry := riptide.NewRegistry()
//	// register orchestrations and activities on registry
//	rt, _ := riptide.NewLocalRuntime(registry, riptide.RuntimeConfig{})
//	_ = rt.Start(ctx, 2)
//	defer rt.Stop()
//
//	inst, _ := rt.Engine.Start(ctx, "phone-verification", "+15551234567")
type Runtime struct {
	// Engine is the orchestration engine backing this runtime.
	Engine Engine

	// Worker processes activity tasks queued by the engine.
	Worker *worker.Worker

	engine *enginepkg.Engine
	timers *timer.Service
	cfg    RuntimeConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRuntime constructs a Runtime backed entirely by in-memory stores.
// Intended for local development, tests, and single-process deployments that
// do not need durability.
func NewLocalRuntime(registry *Registry, cfg RuntimeConfig) (*Runtime, error) {
	cfg.setDefaults()

	timers := timer.NewService(timer.NewInMemoryStore(), timer.Config{
		PollInterval: cfg.TimerPollInterval,
		Logger:       cfg.Logger,
	})
	eng, err := enginepkg.NewInMemoryEngine(registry, timers, cfg.Observer, cfg.Retry)
	if err != nil {
		return nil, err
	}
	return newRuntime(eng, timers, cfg), nil
}

// NewSQLiteRuntime constructs a durable Runtime sharing the given SQLite
// database for instance state, history, timers and the activity task queue.
// After a crash, restart the process with the same database: pending timers
// re-derive their wake times from the persisted absolute deadlines, queued
// activities are picked up again, and instances resume by replay.
//
//	db, _ := sql.Open("sqlite", "file:riptide.db?_journal=WAL")
//	rt, err := riptide.NewSQLiteRuntime(db, registry, riptide.RuntimeConfig{})
func NewSQLiteRuntime(db *sql.DB, registry *Registry, cfg RuntimeConfig) (*Runtime, error) {
	cfg.setDefaults()

	timerStore, err := timer.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	timers := timer.NewService(timerStore, timer.Config{
		PollInterval: cfg.TimerPollInterval,
		Logger:       cfg.Logger,
	})
	eng, err := enginepkg.NewSQLiteEngine(db, registry, timers, cfg.Observer, cfg.Retry)
	if err != nil {
		return nil, err
	}
	return newRuntime(eng, timers, cfg), nil
}

func newRuntime(eng *enginepkg.Engine, timers *timer.Service, cfg RuntimeConfig) *Runtime {
	timers.OnFire(eng.HandleTimerFired)

	w := worker.New(eng, eng.Registry(), eng.Queue(), worker.Config{
		ActivityTimeout: cfg.ActivityTimeout,
		Observer:        cfg.Observer,
	})

	return &Runtime{
		Engine: eng,
		Worker: w,
		engine: eng,
		timers: timers,
		cfg:    cfg,
	}
}

// Start launches the timer service, 'concurrency' worker goroutines and,
// if configured, the supervisory sweep. It returns an error if the runtime
// is already started.
func (r *Runtime) Start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("riptide: runtime already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)

	if err := r.timers.Start(ctx); err != nil {
		cancel()
		return err
	}

	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				_, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// A single bad task must not kill the worker loop.
					r.cfg.Logger.Warn("worker error", "err", err)
				}
			}
		}()
	}

	if r.cfg.SweepInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()

			ticker := time.NewTicker(r.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := r.engine.SweepStalled(ctx, r.cfg.SweepDeadline); err != nil {
						r.cfg.Logger.Warn("supervisory sweep", "err", err)
					}
				}
			}
		}()
	}

	return nil
}

// Stop cancels the workers, sweep and timer service started by Start and
// waits for them to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.timers.Stop()
	r.wg.Wait()
}
