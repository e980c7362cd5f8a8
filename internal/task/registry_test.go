package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linearPlan = `
- T1: Build the parser
  Files: parser.go
- T2: Wire the parser into the CLI
  Depends: T1
  Files: cli.go
- T3: Document the CLI
  Depends: T2
`

func TestRegistry_LoadFromPlanLinear(t *testing.T) {
	r := NewRegistry()
	tasks, err := r.LoadFromPlan("sess-1", linearPlan)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	listed := r.ListBySession("sess-1")
	require.Len(t, listed, 3)
	assert.Equal(t, "sess-1_T1", listed[0].ID)
	assert.Equal(t, []string{"parser.go"}, listed[0].TargetFiles)
}

func TestRegistry_ReadyTasksRespectsDependencies(t *testing.T) {
	r := NewRegistry()
	_, err := r.LoadFromPlan("sess-1", linearPlan)
	require.NoError(t, err)

	ready := r.ReadyTasks("sess-1")
	require.Len(t, ready, 1)
	assert.Equal(t, "sess-1_T1", ready[0].ID)

	require.NoError(t, r.MarkStatus("sess-1_T1", StatusCompleted, ""))
	ready = r.ReadyTasks("sess-1")
	require.Len(t, ready, 1)
	assert.Equal(t, "sess-1_T2", ready[0].ID)
}

func TestRegistry_DeferredTaskNeverReady(t *testing.T) {
	r := NewRegistry()
	_, err := r.LoadFromPlan("sess-1", linearPlan)
	require.NoError(t, err)

	require.NoError(t, r.Defer("sess-1_T1", "waiting on design review"))
	ready := r.ReadyTasks("sess-1")
	assert.Empty(t, ready)

	require.NoError(t, r.Undefer("sess-1_T1"))
	ready = r.ReadyTasks("sess-1")
	require.Len(t, ready, 1)
}

func TestRegistry_CycleRejected(t *testing.T) {
	cyclic := `
- T1: A
  Depends: T2
- T2: B
  Depends: T1
`
	r := NewRegistry()
	_, err := r.LoadFromPlan("sess-1", cyclic)
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.Empty(t, r.ListBySession("sess-1"), "a rejected plan must not mutate the registry")
}

func TestRegistry_GetUnknownTask(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
