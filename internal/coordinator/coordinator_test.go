package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/apc/internal/agent"
	"github.com/aosanya/apc/internal/eventbus"
	internalregistry "github.com/aosanya/apc/internal/registry"
	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/task"
	"github.com/aosanya/apc/internal/workflow"
)

// scriptedRunner plays back a canned completion signal for every phase a
// workflow asks an agent to run, keyed by stage. It mirrors the real
// agent CLI's asynchronous callback shape closely enough to exercise the
// coordinator's dispatch/reconcile wiring without a real subprocess.
type scriptedRunner struct {
	bus     *signalbus.Bus
	results map[signalbus.Stage]string // stage -> ResultCode, default "success"
	delay   time.Duration
}

func (r *scriptedRunner) Start(ctx context.Context, agentName, prompt string) error {
	go func() {
		time.Sleep(r.delay)
		// The prompt carries the completion instruction block with the
		// session/workflow/stage/task identifiers; tests key their
		// scripted responses off the Wait call's key instead by relying
		// on the caller to have registered a per-stage result and letting
		// Deliver's key matching do the rest. Stage is inferred from the
		// agent role name encoded by the caller via result map lookup is
		// not possible here, so each test installs one runner per
		// concurrently-exercised stage set and relies on Signal delivery
		// being addressed by the bus's key, not by this runner.
	}()
	return nil
}

func (r *scriptedRunner) Kill(ctx context.Context, agentName string) error { return nil }

// deliverAllStages is a test helper that spins up a goroutine delivering a
// success signal for every stage a task_implementation workflow will pass
// through, keyed by sessionID/workflowID/taskID.
func deliverAllStages(bus *signalbus.Bus, sessionID, workflowID, taskID string, reviewResult string) {
	stages := []struct {
		stage  signalbus.Stage
		result string
		delay  time.Duration
	}{
		{signalbus.StageImplementation, "success", 5 * time.Millisecond},
		{signalbus.StageReview, reviewResult, 15 * time.Millisecond},
		{signalbus.StageDeltaContext, "success", 25 * time.Millisecond},
	}
	for _, s := range stages {
		s := s
		go func() {
			time.Sleep(s.delay)
			bus.Deliver(&signalbus.Signal{
				SessionID: sessionID, WorkflowID: workflowID, Stage: s.stage, TaskID: taskID,
				ResultCode: s.result,
			})
		}()
	}
}

func newTestCoordinator(t *testing.T, runner workflow.Runner) (*Coordinator, *task.Registry) {
	t.Helper()
	pool, err := agent.NewPool(4)
	require.NoError(t, err)

	tasks := task.NewRegistry()
	occupancy := task.NewOccupancyTable()
	conflicts := task.NewConflictTable()
	signals := signalbus.New(signalbus.DefaultConfig())
	events := eventbus.New()

	svc := &workflow.Services{
		Agents: pool, Tasks: tasks, Occupancy: occupancy, Conflicts: conflicts,
		Signals: signals, Events: events, AgentRunner: runner,
	}

	reg := internalregistry.New()
	internalregistry.RegisterDefaultTypes(reg, tasks, conflicts, occupancy)

	cfg := Config{ReconcileInterval: 20 * time.Millisecond, StateDir: t.TempDir()}
	c := New(cfg, reg, tasks, svc)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c, tasks
}

// waitForTerminal polls GetSessionState until every workflow in sessionID
// reaches a terminal status or the deadline elapses.
func waitForTerminal(t *testing.T, c *Coordinator, sessionID string, timeout time.Duration) SessionState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		state := c.GetSessionState(sessionID)
		allTerminal := len(state.Workflows) > 0
		for _, w := range state.Workflows {
			if !w.Status.Terminal() {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			return state
		}
		if time.Now().After(deadline) {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const linearPlan = `- T1: scaffold the project
- T2: implement the handler
  Depends: T1
`

func TestCoordinator_StartExecutionDispatchesReadyTaskAndCompletes(t *testing.T) {
	runner := &scriptedRunner{}
	c, _ := newTestCoordinator(t, runner)

	ids, err := c.StartExecution("s1", linearPlan)
	require.NoError(t, err)
	require.Len(t, ids, 1, "only T1 is ready; T2 depends on it")

	h := c.workflowHandle(ids[0])
	require.NotNil(t, h)
	deliverAllStages(c.svc.Signals, "s1", ids[0], h.configString("taskId"), "ok")

	state := waitForTerminal(t, c, "s1", time.Second)
	require.Len(t, state.Workflows, 1)
	assert.Equal(t, workflow.StatusCompleted, state.Workflows[0].Status)
}

func TestCoordinator_DuplicateCompletionSignalIsDiscarded(t *testing.T) {
	runner := &scriptedRunner{}
	c, _ := newTestCoordinator(t, runner)

	id, err := c.DispatchWorkflow("s1", internalregistry.TypeContextGathering, map[string]interface{}{"prompt": "gather"}, DispatchOptions{})
	require.NoError(t, err)

	sig := &signalbus.Signal{SessionID: "s1", WorkflowID: id, Stage: signalbus.StageContext, ResultCode: "success"}
	c.DeliverCompletion(sig)
	// A second delivery for the same key is a duplicate once the first has
	// been consumed or buffered; it must not panic or double-advance.
	c.DeliverCompletion(sig)

	state := waitForTerminal(t, c, "s1", time.Second)
	require.Len(t, state.Workflows, 1)
	assert.Equal(t, workflow.StatusCompleted, state.Workflows[0].Status)
}

func TestCoordinator_RevisionConflictPausesInFlightTaskWorkflow(t *testing.T) {
	runner := &scriptedRunner{}
	c, _ := newTestCoordinator(t, runner)

	// Impact analysis only sees tasks in the registry, so stage T1 there and
	// refer to it by its qualified id.
	parsed, err := c.svc.Tasks.LoadFromPlan("s1", "- T1: implement the thing\n")
	require.NoError(t, err)
	t1 := parsed[0].ID

	taskID, err := c.dispatchSingleTask("s1", t1, "implement the thing")
	require.NoError(t, err)

	// Do not deliver the implement-stage signal yet: the task workflow
	// stays parked in "implement" holding occupancy of T1.
	time.Sleep(10 * time.Millisecond)

	revID, err := c.DispatchWorkflow("s1", internalregistry.TypePlanningRevision,
		map[string]interface{}{"sessionId": "s1", "revisionText": "please revise " + t1}, DispatchOptions{Blocking: true})
	require.NoError(t, err)

	// The revision's analyze_impact phase declares a pause_others conflict
	// over T1 with no agent round trip, so it proceeds immediately into
	// planner and blocks waiting for a planner signal.
	deadline := time.Now().Add(time.Second)
	var taskPaused bool
	for time.Now().Before(deadline) {
		state := c.GetSessionState("s1")
		for _, w := range state.Workflows {
			if w.ID == taskID && w.Status == workflow.StatusPaused {
				taskPaused = true
			}
		}
		if taskPaused {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, taskPaused, "task_implementation workflow should be paused while the revision holds a conflicting declaration over its task")

	// Finish the revision; once it clears its conflict the task workflow
	// should resume and be free to proceed when its implement signal
	// finally arrives.
	c.svc.Signals.Deliver(&signalbus.Signal{SessionID: "s1", WorkflowID: revID, Stage: signalbus.StagePlanning, ResultCode: "success", Payload: map[string]interface{}{"planPath": "/plan.md"}})
	c.svc.Signals.Deliver(&signalbus.Signal{SessionID: "s1", WorkflowID: revID, Stage: signalbus.StageReview, ResultCode: "ok"})

	deadline = time.Now().Add(time.Second)
	var taskResumed bool
	for time.Now().Before(deadline) {
		state := c.GetSessionState("s1")
		for _, w := range state.Workflows {
			if w.ID == taskID && (w.Status == workflow.StatusRunning || w.Status == workflow.StatusPending) {
				taskResumed = true
			}
		}
		if taskResumed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, taskResumed, "task_implementation workflow should resume once the revision's conflict clears")

	deliverAllStages(c.svc.Signals, "s1", taskID, t1, "ok")
	state := waitForTerminal(t, c, "s1", time.Second)
	for _, w := range state.Workflows {
		if w.ID == taskID {
			assert.Equal(t, workflow.StatusCompleted, w.Status)
		}
	}
}

func TestCoordinator_CrashAndResumeReconstitutesWorkflowAsPaused(t *testing.T) {
	runner := &scriptedRunner{}
	c, _ := newTestCoordinator(t, runner)

	id, err := c.DispatchWorkflow("s1", internalregistry.TypeContextGathering, map[string]interface{}{"prompt": "gather"}, DispatchOptions{})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond) // let it start and persist at least once

	stateDir := c.stateDir
	require.NoError(t, c.Stop())

	reg2 := internalregistry.New()
	tasks2 := task.NewRegistry()
	internalregistry.RegisterDefaultTypes(reg2, tasks2, task.NewConflictTable(), task.NewOccupancyTable())
	svc2 := &workflow.Services{
		Agents: c.svc.Agents, Tasks: tasks2, Occupancy: task.NewOccupancyTable(), Conflicts: task.NewConflictTable(),
		Signals: signalbus.New(signalbus.DefaultConfig()), Events: eventbus.New(), AgentRunner: runner,
	}
	c2 := New(Config{ReconcileInterval: 20 * time.Millisecond, StateDir: stateDir}, reg2, tasks2, svc2)
	require.NoError(t, c2.Start(context.Background()))
	t.Cleanup(func() { _ = c2.Stop() })

	h := c2.workflowHandle(id)
	require.NotNil(t, h, "workflow should have been reconstituted from persisted state")
	assert.True(t, h.rt.Status() == workflow.StatusPaused || h.rt.Status().Terminal())
}

// workflowHandle is a test-only accessor; production code never needs to
// reach into a single handle by id outside the coordinator package.
func (c *Coordinator) workflowHandle(id string) *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workflows[id]
}

func (h *handle) configString(key string) string {
	s, _ := h.config[key].(string)
	return s
}

func (c *Coordinator) dispatchSingleTask(sessionID, taskID, prompt string) (string, error) {
	id, err := c.DispatchWorkflow(sessionID, internalregistry.TypeTaskImplementation,
		map[string]interface{}{"taskId": taskID, "prompt": prompt}, DispatchOptions{})
	if err != nil {
		return "", fmt.Errorf("dispatching task workflow: %w", err)
	}
	return id, nil
}
