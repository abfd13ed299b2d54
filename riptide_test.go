package riptide

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, registry.AddOrchestrator("echo", func(ctx *Context) (any, error) {
		var s string
		if err := ctx.GetInput(&s); err != nil {
			return nil, err
		}
		return s, nil
	}))
	return registry
}

func TestInMemoryEngine_Facade(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng, err := NewInMemoryEngine(echoRegistry(t))
	require.NoError(t, err)

	// An orchestration with no awaits completes during Start.
	inst, err := Start(ctx, eng, "echo", "hello")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.JSONEq(t, `"hello"`, string(inst.Output))

	got, err := GetInstance(ctx, eng, inst.ID)
	require.NoError(t, err)
	require.Equal(t, inst.ID, got.ID)

	list, err := ListInstances(ctx, eng, InstanceListOptions{Orchestration: "echo"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = ListInstances(ctx, eng, InstanceListOptions{Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, list, 0)
}

func TestInMemoryEngine_ErrorSentinels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng, err := NewInMemoryEngine(echoRegistry(t))
	require.NoError(t, err)

	_, err = GetInstance(ctx, eng, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)

	inst, err := Start(ctx, eng, "echo", "hi")
	require.NoError(t, err)

	err = RaiseEvent(ctx, eng, inst.ID, "code-response", "2168")
	require.ErrorIs(t, err, ErrInstanceCompleted)

	err = Terminate(ctx, eng, inst.ID, "too late")
	require.ErrorIs(t, err, ErrInstanceCompleted)

	_, err = Start(ctx, eng, "unregistered", nil)
	require.Error(t, err)
}
