package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/apc/internal/eventbus"
	internalregistry "github.com/aosanya/apc/internal/registry"
	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/workflow"
	"github.com/aosanya/apc/internal/workflows"
)

// deliverSequence delivers signals strictly one at a time, each only
// once its awaiter is registered. Needed when consecutive waits share a
// rendezvous key (e.g. three analyst rounds on the same analysis stage,
// or a rewound implement phase): delivering into the gap between waits
// would hit the consumed-key tombstone and be discarded as a duplicate.
func deliverSequence(t *testing.T, bus *signalbus.Bus, signals []*signalbus.Signal) {
	t.Helper()
	go func() {
		for _, sig := range signals {
			key := signalbus.Key{SessionID: sig.SessionID, WorkflowID: sig.WorkflowID, Stage: sig.Stage, TaskID: sig.TaskID}
			deadline := time.Now().Add(5 * time.Second)
			for !bus.HasAwaiter(key) && time.Now().Before(deadline) {
				time.Sleep(2 * time.Millisecond)
			}
			bus.Deliver(sig)
		}
	}()
}

// feedTaskWorkflows watches the session and, for every task_implementation
// workflow that appears, starts the canned stage deliveries exactly once.
// It covers workflows the reconciliation loop admits later, whose ids are
// not known up front.
func feedTaskWorkflows(t *testing.T, c *Coordinator, sessionID string, stop <-chan struct{}) {
	t.Helper()
	fed := make(map[string]struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, h := range c.allHandles() {
				if h.sessionID != sessionID || h.typeName != taskImplementationTypeName {
					continue
				}
				if _, ok := fed[h.rt.ID]; ok {
					continue
				}
				fed[h.rt.ID] = struct{}{}
				deliverAllStages(c.svc.Signals, sessionID, h.rt.ID, h.configString("taskId"), "ok")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

const threeTaskPlan = `- T1: scaffold the project
- T2: implement the handler
  Depends: T1
- T3: wire the handler into the router
  Depends: T2
`

// Scenario 1: a linear three-task plan completes in dependency order and
// the session finishes as completed.
func TestScenario_LinearThreeTaskPlanCompletesInOrder(t *testing.T) {
	c, tasks := newTestCoordinator(t, &scriptedRunner{})

	var mu sync.Mutex
	var completionOrder []string
	disposer := c.OnWorkflowComplete(func(done eventbus.WorkflowComplete) {
		c.mu.Lock()
		h := c.workflows[done.WorkflowID]
		c.mu.Unlock()
		if h == nil || h.typeName != taskImplementationTypeName {
			return
		}
		mu.Lock()
		completionOrder = append(completionOrder, h.configString("taskId"))
		mu.Unlock()
	})
	defer disposer()

	stop := make(chan struct{})
	defer close(stop)
	feedTaskWorkflows(t, c, "s1", stop)

	ids, err := c.StartExecution("s1", threeTaskPlan)
	require.NoError(t, err)
	require.Len(t, ids, 1, "only T1 is ready at the start")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(completionOrder)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"s1_T1", "s1_T2", "s1_T3"}, completionOrder)

	for _, taskID := range completionOrder {
		tk, err := tasks.Get(taskID)
		require.NoError(t, err)
		assert.Equal(t, "completed", string(tk.Status))
	}

	state := c.GetSessionState("s1")
	assert.Equal(t, SessionCompleted, state.Status)
}

// Scenario 3: the first analyst round returns a critical verdict, the
// planner phase is re-entered, the second round passes, and the workflow
// finalizes with iterations=2 and no forced finalize.
func TestScenario_AnalystCriticalLoopRewindsOnce(t *testing.T) {
	c, _ := newTestCoordinator(t, &scriptedRunner{})

	id, err := c.DispatchWorkflow("s1", internalregistry.TypePlanningNew,
		map[string]interface{}{"prompt": "plan the widget"}, DispatchOptions{})
	require.NoError(t, err)

	sig := func(stage signalbus.Stage, result string, payload map[string]interface{}) *signalbus.Signal {
		return &signalbus.Signal{SessionID: "s1", WorkflowID: id, Stage: stage, ResultCode: result, Payload: payload}
	}
	deliverSequence(t, c.svc.Signals, []*signalbus.Signal{
		sig(signalbus.StagePlanning, "success", map[string]interface{}{"planPath": "/plans/s1.md"}),
		sig(signalbus.StageAnalysis, "critical", map[string]interface{}{"issues": []interface{}{"missing rollback step"}}),
		sig(signalbus.StageAnalysis, "pass", nil),
		sig(signalbus.StageAnalysis, "pass", nil),
		// Rewound planner round.
		sig(signalbus.StagePlanning, "success", map[string]interface{}{"planPath": "/plans/s1.md"}),
		sig(signalbus.StageAnalysis, "pass", nil),
		sig(signalbus.StageAnalysis, "pass", nil),
		sig(signalbus.StageAnalysis, "pass", nil),
		sig(signalbus.StageFinalize, "success", nil),
	})

	state := waitForTerminal(t, c, "s1", 5*time.Second)
	require.Len(t, state.Workflows, 1)
	require.Equal(t, workflow.StatusCompleted, state.Workflows[0].Status)

	h := c.workflowHandle(id)
	out, ok := h.rt.Snapshot().PartialOutput.(workflows.PlanningNewOutput)
	require.True(t, ok)
	assert.Equal(t, 2, out.Iterations)
	assert.False(t, out.ForcedFinalize)
	assert.Equal(t, "/plans/s1.md", out.PlanPath)
}

// Scenario 5: three simultaneous task workflows over a pool of two make
// progress without deadlock; the third runs as soon as an agent frees.
func TestScenario_PoolStarvationResolvesWithoutDeadlock(t *testing.T) {
	c, _ := newTestCoordinator(t, &scriptedRunner{})
	require.NoError(t, c.svc.Agents.Resize(2))

	stop := make(chan struct{})
	defer close(stop)
	feedTaskWorkflows(t, c, "s1", stop)

	for _, taskID := range []string{"A1", "A2", "A3"} {
		_, err := c.dispatchSingleTask("s1", taskID, "implement "+taskID)
		require.NoError(t, err)
	}

	state := waitForTerminal(t, c, "s1", 10*time.Second)
	require.Len(t, state.Workflows, 3)
	for _, w := range state.Workflows {
		assert.Equal(t, workflow.StatusCompleted, w.Status)
	}

	status := c.svc.Agents.Status()
	assert.Equal(t, 2, status.Available, "all agents returned to the pool")
	assert.Equal(t, 0, status.Busy)
}

// Boundary: a pool of one still drains every workflow, one at a time.
func TestScenario_PoolSizeOneStillMakesProgress(t *testing.T) {
	c, _ := newTestCoordinator(t, &scriptedRunner{})
	require.NoError(t, c.svc.Agents.Resize(1))

	stop := make(chan struct{})
	defer close(stop)
	feedTaskWorkflows(t, c, "s1", stop)

	for _, taskID := range []string{"B1", "B2"} {
		_, err := c.dispatchSingleTask("s1", taskID, "implement "+taskID)
		require.NoError(t, err)
	}

	state := waitForTerminal(t, c, "s1", 10*time.Second)
	require.Len(t, state.Workflows, 2)
	for _, w := range state.Workflows {
		assert.Equal(t, workflow.StatusCompleted, w.Status)
	}
}

// A critical review rewinds the task workflow to implement; the second
// round approves and the workflow completes. In particular the rewound
// implement phase re-declares occupancy of a task it still holds, which
// must be idempotent rather than a conflict.
func TestScenario_CriticalReviewLoopsBackToImplement(t *testing.T) {
	c, _ := newTestCoordinator(t, &scriptedRunner{})

	id, err := c.dispatchSingleTask("s1", "T7", "implement the widget")
	require.NoError(t, err)

	sig := func(stage signalbus.Stage, result string) *signalbus.Signal {
		return &signalbus.Signal{SessionID: "s1", WorkflowID: id, Stage: stage, TaskID: "T7", ResultCode: result}
	}
	deliverSequence(t, c.svc.Signals, []*signalbus.Signal{
		sig(signalbus.StageImplementation, "success"),
		sig(signalbus.StageReview, "critical"),
		// Rewound implement round.
		sig(signalbus.StageImplementation, "success"),
		sig(signalbus.StageReview, "approved"),
		sig(signalbus.StageDeltaContext, "success"),
	})

	state := waitForTerminal(t, c, "s1", 5*time.Second)
	require.Len(t, state.Workflows, 1)
	require.Equal(t, workflow.StatusCompleted, state.Workflows[0].Status)

	h := c.workflowHandle(id)
	assert.Equal(t, 1, h.rt.IterationCount("implement"), "the critical verdict rewinds exactly once")
	out, ok := h.rt.Snapshot().PartialOutput.(workflows.TaskImplementationOutput)
	require.True(t, ok)
	assert.True(t, out.Approved)

	assert.Empty(t, c.svc.Occupancy.OccupantsOf("T7"), "finalize releases the task")
}

// exitingRunner simulates an agent whose subprocess dies shortly after
// starting without ever invoking the completion CLI. It implements the
// optional exit-reporting extension of workflow.Runner.
type exitingRunner struct {
	mu   sync.Mutex
	done map[string]chan struct{}
}

func (r *exitingRunner) Start(ctx context.Context, agentName, prompt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		r.done = make(map[string]chan struct{})
	}
	ch := make(chan struct{})
	r.done[agentName] = ch
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(ch)
	}()
	return nil
}

func (r *exitingRunner) Kill(ctx context.Context, agentName string) error { return nil }

func (r *exitingRunner) Done(agentName string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.done[agentName]; ok {
		return ch
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// An agent that exits without ever signalling completion surfaces as a
// distinct failure, never a silent success or a generic timeout.
func TestScenario_AgentExitWithoutSignalFailsWorkflow(t *testing.T) {
	c, _ := newTestCoordinator(t, &exitingRunner{})

	var mu sync.Mutex
	var failureMsg string
	disposer := c.OnWorkflowComplete(func(done eventbus.WorkflowComplete) {
		mu.Lock()
		failureMsg = done.Error
		mu.Unlock()
	})
	defer disposer()

	id, err := c.DispatchWorkflow("s1", internalregistry.TypeContextGathering,
		map[string]interface{}{"prompt": "gather"}, DispatchOptions{})
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		h := c.workflowHandle(id)
		if h != nil && h.rt.Status() == workflow.StatusFailed {
			mu.Lock()
			defer mu.Unlock()
			assert.Contains(t, failureMsg, "without delivering a completion signal",
				"the failure must carry the distinct no-callback error, not a generic timeout")
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("workflow did not fail after its agent exited without a signal")
}
