package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// OrchestratorFunc is the deterministic control flow of one orchestration.
// It must obtain time, randomness, and all I/O results through ctx so they
// are captured in history; reading them directly breaks replay.
type OrchestratorFunc func(ctx *Context) (any, error)

// ActivityFunc is a one-shot, side-effecting unit of work invoked by a
// worker on behalf of orchestration logic. The engine guarantees it is
// called at most once per call site.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// Registry holds orchestrator and activity functions by name.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]map[string]OrchestratorFunc
	activities    map[string]ActivityFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]map[string]OrchestratorFunc),
		activities:    make(map[string]ActivityFunc),
	}
}

// AddOrchestrator registers fn under name with version "v1".
func (r *Registry) AddOrchestrator(name string, fn OrchestratorFunc) error {
	return r.AddOrchestratorVersion(name, "v1", fn)
}

// AddOrchestratorVersion registers fn under an explicit name+version.
// Running instances record the version they started with; resuming an
// instance whose version is no longer registered fails the instance rather
// than guessing a migration semantics.
func (r *Registry) AddOrchestratorVersion(name, version string, fn OrchestratorFunc) error {
	if name == "" {
		return fmt.Errorf("orchestrator name is required")
	}
	if fn == nil {
		return fmt.Errorf("orchestrator %q: fn is required", name)
	}
	if version == "" {
		version = "v1"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.orchestrators[name]
	if versions == nil {
		versions = make(map[string]OrchestratorFunc)
		r.orchestrators[name] = versions
	}

	if _, exists := versions[version]; exists {
		return fmt.Errorf("orchestrator %q version %q already registered", name, version)
	}

	versions[version] = fn
	return nil
}

// Orchestrator returns the function registered for name+version.
func (r *Registry) Orchestrator(name, version string) (OrchestratorFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.orchestrators[name]
	if versions == nil {
		return nil, fmt.Errorf("orchestrator %q not found", name)
	}

	fn, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("orchestrator %q version %q not found", name, version)
	}

	return fn, nil
}

// LatestVersion returns the version to use for newly started instances.
// It errors if zero or multiple versions are registered, so callers must be
// explicit when more than one version is live.
func (r *Registry) LatestVersion(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.orchestrators[name]
	if len(versions) == 0 {
		return "", fmt.Errorf("orchestrator %q not found", name)
	}
	if len(versions) > 1 {
		return "", fmt.Errorf("orchestrator %q has multiple versions; start requests must disambiguate", name)
	}
	for v := range versions {
		return v, nil
	}
	return "", nil
}

// AddActivity registers an activity function under name.
func (r *Registry) AddActivity(name string, fn ActivityFunc) error {
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q: fn is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}

	r.activities[name] = fn
	return nil
}

// Activity returns the activity function registered under name.
func (r *Registry) Activity(name string) (ActivityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("activity %q not found", name)
	}
	return fn, nil
}
