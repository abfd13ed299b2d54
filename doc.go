// Package riptide provides an embeddable, deterministic orchestration
// engine for Go.
//
// Riptide is designed for backend services that need long-running,
// human-in-the-loop workflows with durable timeouts and externally
// delivered events, safely resumable after crashes, without external
// infrastructure. It runs fully in Go and persists everything it needs
// in an embedded SQLite database (or in memory for tests).
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Registry
//  2. Orchestration logic (OrchestratorFunc)
//  3. Activities (ActivityFunc)
//  4. Engine
//  5. Runtime
//
// # Orchestration logic
//
// An orchestration is an ordinary Go function that describes a long-running
// process as sequential logic:
//
//	func PhoneVerification(ctx *riptide.Context) (any, error) {
//		var phone string
//		_ = ctx.GetInput(&phone)
//
//		var code string
//		if err := ctx.CallActivity("send-challenge", phone).Await(&code); err != nil {
//			return false, err
//		}
//		timeout := ctx.CreateTimer(90 * time.Second)
//
//		for attempt := 0; attempt < 4; attempt++ {
//			response := ctx.WaitForEvent("challenge-response")
//
//			winner := ctx.WhenAny(response, timeout).Await()
//			if winner == timeout {
//				return false, nil
//			}
//
//			var answer string
//			if err := response.Await(&answer); err != nil {
//				return false, err
//			}
//			if answer == code {
//				timeout.Cancel()
//				return true, nil
//			}
//		}
//		return false, nil
//	}
//
// One challenge is sent and one timer is created; wrong answers burn an
// attempt but leave the window running, so every retry races the original
// deadline.
//
// The engine executes this function by replay: every time the instance
// receives a new fact (an activity result, a timer fire, an external
// event), the function is re-executed from the top against the instance's
// recorded history. Awaits whose outcome is already in history return it
// immediately; the first await with no recorded outcome suspends the
// function until the outcome arrives.
//
// Because of replay, orchestration logic must be deterministic: no direct
// I/O, no wall-clock reads (use ctx.Now and timers), no randomness. All of
// those belong in activities, which run at most once per call site and
// whose results become history facts.
//
// # Engine
//
// The Engine owns instance lifecycles. It appends history, replays logic,
// schedules activities and timers, delivers external events, and exposes
// start/query/event/terminate APIs. Instances survive process restarts:
// on the next stimulus the engine replays the history from its store and
// the logic picks up exactly where it suspended.
//
// # Runtime
//
// A Runtime bundles the engine with its timer service and activity
// workers for single-process use. NewLocalRuntime is fully in-memory;
// NewSQLiteRuntime persists everything in one SQLite database.
//
// The pkg/server package adds a minimal HTTP surface for starting,
// polling and signalling instances, and pkg/metrics exports Prometheus
// metrics through the same Observer interface used for logging.
package riptide
