// Package worker provides the activity worker that executes scheduled
// activity tasks for riptide orchestrations.
//
// Workers consume activity tasks from a task queue, run the registered
// activity function, and report the result or failure back to the engine,
// which appends the completion to the instance's history and resumes it.
// They are designed to be lightweight and easy to embed in existing
// services, and they can be scaled horizontally for higher throughput.
//
// Activities are where side effects live. Unlike orchestration logic, an
// activity is invoked at most once per scheduling record, runs in real time
// rather than replay, and may freely do I/O, call external services, and
// use wall-clock time.
//
// # Worker Responsibilities
//
// A worker is responsible for:
//
//   - Polling the task queue for scheduled activities
//   - Executing activity functions with a bounded per-activity timeout
//   - Reporting results and failures back to the engine
//   - Emitting activity lifecycle events via observers
//
// Workers are long-lived components that typically run in dedicated
// goroutines or processes. Multiple workers can safely operate on the same
// queue.
//
// # Integration with Engine and Queues
//
// Workers are decoupled from any particular persistence backend. They rely
// on the engine's CompleteActivity API and the task queue interface, so
// different queue backends (in-memory, SQLite) can be plugged in without
// touching worker code.
//
// Most applications construct workers via the riptide runtime bundles,
// which wire engines, queues, timers and observers together with sensible
// defaults. The worker package is useful when running activity processing
// in a separate process from the engine.
package worker
