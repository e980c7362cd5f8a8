package coordinator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aosanya/apc/internal/eventbus"
	"github.com/aosanya/apc/internal/registry"
	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/task"
	"github.com/aosanya/apc/internal/workflow"
)

// Config configures the Coordinator.
type Config struct {
	// ReconcileInterval is the periodic reconciliation sweep fallback,
	// in addition to the event-triggered sweeps.
	ReconcileInterval time.Duration
	// StateDir is where per-workflow state files are persisted. Empty
	// disables persistence (used by tests).
	StateDir string
}

// DefaultConfig returns the default reconciliation cadence.
func DefaultConfig() Config {
	return Config{ReconcileInterval: 5 * time.Second}
}

// Coordinator is the facade the IPC layer and CLI drive.
type Coordinator struct {
	cfg      Config
	registry *registry.Registry
	tasks    *task.Registry
	svc      *workflow.Services
	stateDir string

	mu        sync.Mutex
	sessions  map[string]*Session
	workflows map[string]*handle

	ctx        context.Context
	cancel     context.CancelFunc
	eg         *errgroup.Group
	evaluateCh chan struct{}

	progressDisposer eventbus.Disposer
	completeDisposer eventbus.Disposer
}

// New constructs a Coordinator. svc must have every field populated
// except AgentRunner optionally nil for tests that never run a real
// agent phase.
func New(cfg Config, reg *registry.Registry, taskRegistry *task.Registry, svc *workflow.Services) *Coordinator {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}
	return &Coordinator{
		cfg:        cfg,
		registry:   reg,
		tasks:      taskRegistry,
		svc:        svc,
		stateDir:   cfg.StateDir,
		sessions:   make(map[string]*Session),
		workflows:  make(map[string]*handle),
		evaluateCh: make(chan struct{}, 1),
	}
}

// Start restores any persisted workflows as paused, subscribes to
// progress/completion events to drive persistence and reconciliation, and
// launches the reconciliation loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.eg, _ = errgroup.WithContext(c.ctx)

	if err := c.restore(); err != nil {
		return fmt.Errorf("restoring persisted workflow state: %w", err)
	}

	c.progressDisposer = c.svc.Events.Subscribe(eventbus.TopicWorkflowProgress, func(e eventbus.Event) {
		if payload, ok := e.Payload.(eventbus.WorkflowProgress); ok {
			c.mu.Lock()
			h, known := c.workflows[payload.WorkflowID]
			c.mu.Unlock()
			if known {
				c.persist(h)
			}
		}
		c.requestEvaluate()
	})
	c.completeDisposer = c.svc.Events.Subscribe(eventbus.TopicWorkflowComplete, func(e eventbus.Event) {
		if payload, ok := e.Payload.(eventbus.WorkflowComplete); ok {
			c.noteWorkflowComplete(payload)
		}
		c.requestEvaluate()
	})

	c.eg.Go(func() error {
		c.reconcileLoop()
		return nil
	})

	log.Info("coordinator started")
	return nil
}

// Stop cancels all in-flight work and waits for it to unwind.
func (c *Coordinator) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.progressDisposer != nil {
		c.progressDisposer()
	}
	if c.completeDisposer != nil {
		c.completeDisposer()
	}
	if c.eg != nil {
		return c.eg.Wait()
	}
	return nil
}

// restore reconstitutes every persisted non-terminal workflow as paused.
func (c *Coordinator) restore() error {
	states, err := c.loadPersistedStates()
	if err != nil {
		return err
	}
	for _, sf := range states {
		info, ok := c.registry.Info(sf.Type)
		if !ok {
			log.WithField("type", sf.Type).Warn("skipping persisted workflow of unregistered type")
			continue
		}
		impl, err := info.Factory(nil, c.svc)
		if err != nil {
			log.WithFields(log.Fields{"workflow_id": sf.ID, "err": err}).Warn("failed to rebuild workflow impl on restore")
			continue
		}
		rt := workflow.New(sf.ID, sf.Type, sf.SessionID, 0, nil, impl, c.svc, workflow.DefaultRetryPolicy(), "")
		rt.Restore(snapshotAsPersisted(sf))

		h := &handle{rt: rt, sessionID: sf.SessionID, typeName: sf.Type}
		c.mu.Lock()
		c.workflows[sf.ID] = h
		sess := c.sessionLocked(sf.SessionID)
		sess.WorkflowIDs[sf.ID] = struct{}{}
		c.mu.Unlock()

		log.WithFields(log.Fields{"workflow_id": sf.ID, "session_id": sf.SessionID}).Info("restored workflow as paused")
	}
	return nil
}

func (c *Coordinator) sessionLocked(sessionID string) *Session {
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &Session{ID: sessionID, Status: SessionExecuting, WorkflowIDs: make(map[string]struct{})}
		c.sessions[sessionID] = s
	}
	return s
}

// DispatchWorkflow constructs a workflow of typeName for sessionID,
// launches it in its own goroutine, and returns its id immediately.
func (c *Coordinator) DispatchWorkflow(sessionID, typeName string, config map[string]interface{}, opts DispatchOptions) (string, error) {
	impl, err := c.registry.Build(typeName, config, c.svc)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	logPath := ""
	if c.stateDir != "" {
		logPath = fmt.Sprintf("%s/%s.log", c.stateDir, id)
	}
	rt := workflow.New(id, typeName, sessionID, opts.Priority, config, impl, c.svc, workflow.DefaultRetryPolicy(), logPath)

	h := &handle{
		rt: rt, sessionID: sessionID, typeName: typeName,
		priority: opts.Priority, blocking: opts.Blocking,
		config: config, done: make(chan struct{}),
	}

	c.mu.Lock()
	c.workflows[id] = h
	sess := c.sessionLocked(sessionID)
	sess.WorkflowIDs[id] = struct{}{}
	c.mu.Unlock()

	// While a blocking revision is active in the session, a
	// new non-revision workflow is admitted but not launched; the
	// reconciliation sweep launches it once the revision terminates.
	if !opts.Blocking && c.sessionHasBlockingRevision(sessionID) {
		log.WithFields(log.Fields{"workflow_id": id, "session_id": sessionID}).
			Info("holding workflow pending: blocking revision active in session")
		c.requestEvaluate()
		return id, nil
	}

	c.launch(h)
	return id, nil
}

// RetryWorkflow dispatches a fresh workflow with the same type, input and
// options as a previously failed one.
func (c *Coordinator) RetryWorkflow(workflowID string) (string, error) {
	c.mu.Lock()
	h, ok := c.workflows[workflowID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown workflow %q", workflowID)
	}
	if st := h.rt.Status(); st != workflow.StatusFailed {
		return "", fmt.Errorf("workflow %q is %s, only failed workflows can be retried", workflowID, st)
	}
	return c.DispatchWorkflow(h.sessionID, h.typeName, h.config, DispatchOptions{Priority: h.priority, Blocking: h.blocking})
}

// Evaluate forces a reconciliation pass.
func (c *Coordinator) Evaluate() {
	c.requestEvaluate()
}

// ListSessions returns a snapshot of every known session, sorted by id.
func (c *Coordinator) ListSessions() []SessionState {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	out := make([]SessionState, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.GetSessionState(id))
	}
	return out
}

// RemoveSession forgets a session and deletes its workflows' persisted
// state. It refuses while any of the session's workflows is still live.
func (c *Coordinator) RemoveSession(sessionID string) error {
	for _, h := range c.sessionWorkflows(sessionID) {
		if !h.rt.Status().Terminal() {
			return fmt.Errorf("session %q still has non-terminal workflow %s", sessionID, h.rt.ID)
		}
	}
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	var removed []string
	if ok {
		for id := range sess.WorkflowIDs {
			removed = append(removed, id)
			delete(c.workflows, id)
		}
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
	if c.stateDir != "" {
		for _, id := range removed {
			if err := os.Remove(c.statePath(id)); err != nil && !os.IsNotExist(err) {
				log.WithFields(log.Fields{"workflow_id": id, "err": err}).Warn("failed to delete workflow state file")
			}
		}
	}
	return nil
}

// noteWorkflowComplete applies the terminal-status policy: a failed planning workflow cancels
// its session, a failed execution workflow stops it, and a session whose
// workflows have all completed naturally is completed. A cancelled
// workflow fires no completion event, so it never reaches this policy.
func (c *Coordinator) noteWorkflowComplete(done eventbus.WorkflowComplete) {
	c.mu.Lock()
	h, ok := c.workflows[done.WorkflowID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.persist(h)

	if !done.Success {
		if h.typeName == taskImplementationTypeName {
			if taskID, ok := h.config["taskId"].(string); ok && taskID != "" {
				_ = c.tasks.MarkStatus(taskID, task.StatusFailed, done.Error)
			}
		}
		if isPlanningType(h.typeName) {
			c.sessionStatus(done.SessionID, SessionCancelled)
		} else {
			c.sessionStatus(done.SessionID, SessionStopped)
		}
		return
	}

	// Natural finish: every workflow done AND no task in the session's
	// plan still waiting to be dispatched (a completed T1 with a ready T2
	// is mid-execution, not finished).
	for _, sib := range c.sessionWorkflows(done.SessionID) {
		if sib.rt.Status() != workflow.StatusCompleted {
			return
		}
	}
	for _, tk := range c.tasks.ListBySession(done.SessionID) {
		if tk.Status != task.StatusCompleted {
			return
		}
	}
	c.sessionStatus(done.SessionID, SessionCompleted)
}

// launch runs h.rt.Run in its own supervised goroutine. Run returns
// whenever the workflow pauses, completes, fails, or is cancelled; the
// coordinator persists the resulting snapshot and requests a
// reconciliation pass either way.
func (c *Coordinator) launch(h *handle) {
	c.mu.Lock()
	h.launched = true
	c.mu.Unlock()
	c.eg.Go(func() error {
		err := h.rt.Run(c.ctx)
		if err != nil {
			log.WithFields(log.Fields{"workflow_id": h.rt.ID, "err": err}).Warn("workflow run returned an error")
		}
		c.persist(h)
		c.requestEvaluate()
		close(h.done)
		return nil
	})
}

// PauseSession fans a cooperative pause out to every workflow in
// sessionID.
func (c *Coordinator) PauseSession(sessionID string) {
	for _, h := range c.sessionWorkflows(sessionID) {
		h.rt.Pause(c.ctx, false)
	}
	c.sessionStatus(sessionID, SessionPaused)
}

// ResumeSession clears any pending pause on every workflow in sessionID
// and relaunches those that stopped running.
func (c *Coordinator) ResumeSession(sessionID string) {
	for _, h := range c.sessionWorkflows(sessionID) {
		if h.rt.Status() == workflow.StatusPaused {
			h.rt.Resume()
			h.done = make(chan struct{})
			c.launch(h)
		}
	}
	c.sessionStatus(sessionID, SessionExecuting)
}

// CancelSession cancels every workflow in sessionID. Used for
// interruptions during planning.
func (c *Coordinator) CancelSession(sessionID string) {
	for _, h := range c.sessionWorkflows(sessionID) {
		h.rt.Cancel()
	}
	c.sessionStatus(sessionID, SessionCancelled)
}

// StopSession cancels every workflow in sessionID and marks the session
// stopped. Used for interruptions during execution.
func (c *Coordinator) StopSession(sessionID string) {
	for _, h := range c.sessionWorkflows(sessionID) {
		h.rt.Cancel()
	}
	c.sessionStatus(sessionID, SessionStopped)
}

func (c *Coordinator) sessionStatus(sessionID string, status SessionStatus) {
	c.mu.Lock()
	sess := c.sessionLocked(sessionID)
	changed := sess.Status != status
	sess.Status = status
	c.mu.Unlock()
	if changed {
		c.svc.Events.Fire(eventbus.Event{
			Topic:   eventbus.TopicSessionUpdated,
			Payload: eventbus.SessionUpdated{SessionID: sessionID, Status: string(status)},
		})
	}
}

// isPlanningType mirrors the registry's planning type names as string
// literals (see taskImplementationTypeName in reconcile.go for the same
// duplication).
func isPlanningType(typeName string) bool {
	return typeName == "planning_new" || typeName == "planning_revision"
}

func (c *Coordinator) sessionWorkflows(sessionID string) []*handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]*handle, 0, len(sess.WorkflowIDs))
	for id := range sess.WorkflowIDs {
		if h, ok := c.workflows[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// ApprovePlan validates planContent (including the dependency-cycle
// check) and stages its tasks into the Task Registry, returning the task
// count. Execution still starts separately via StartExecution.
func (c *Coordinator) ApprovePlan(sessionID, planContent string) (int, error) {
	tasks, err := c.tasks.LoadFromPlan(sessionID, planContent)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// StartExecution parses sessionID's plan content and dispatches one
// task_implementation workflow per ready task.
func (c *Coordinator) StartExecution(sessionID, planContent string) ([]string, error) {
	if _, err := c.tasks.LoadFromPlan(sessionID, planContent); err != nil {
		return nil, err
	}
	ready := c.tasks.ReadyTasks(sessionID)

	ids := make([]string, 0, len(ready))
	for _, t := range ready {
		cfg := map[string]interface{}{"taskId": t.ID, "prompt": t.Description}
		id, err := c.DispatchWorkflow(sessionID, registry.TypeTaskImplementation, cfg, DispatchOptions{})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// OnWorkflowComplete subscribes to workflow-complete events.
func (c *Coordinator) OnWorkflowComplete(cb func(eventbus.WorkflowComplete)) eventbus.Disposer {
	return c.svc.Events.Subscribe(eventbus.TopicWorkflowComplete, func(e eventbus.Event) {
		if payload, ok := e.Payload.(eventbus.WorkflowComplete); ok {
			cb(payload)
		}
	})
}

// OnWorkflowProgress subscribes to workflow-progress events.
func (c *Coordinator) OnWorkflowProgress(cb func(eventbus.WorkflowProgress)) eventbus.Disposer {
	return c.svc.Events.Subscribe(eventbus.TopicWorkflowProgress, func(e eventbus.Event) {
		if payload, ok := e.Payload.(eventbus.WorkflowProgress); ok {
			cb(payload)
		}
	})
}

// DeliverCompletion forwards an externally-received completion signal to
// the Signal Bus.
func (c *Coordinator) DeliverCompletion(sig *signalbus.Signal) {
	c.svc.Signals.Deliver(sig)
}

// WaitForAgentCompletion is a pass-through to the Signal Bus, exposed on
// the facade for workflows that do not hold a direct Services reference.
func (c *Coordinator) WaitForAgentCompletion(ctx context.Context, sessionID, workflowID string, stage signalbus.Stage, timeout time.Duration, taskID string) (*signalbus.Signal, error) {
	key := signalbus.Key{SessionID: sessionID, WorkflowID: workflowID, Stage: stage, TaskID: taskID}
	return c.svc.Signals.Wait(ctx, key, timeout)
}

// GetSessionState returns a snapshot of sessionID's active workflows.
func (c *Coordinator) GetSessionState(sessionID string) SessionState {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return SessionState{SessionID: sessionID, Status: SessionPlanning}
	}
	ids := make([]string, 0, len(sess.WorkflowIDs))
	for id := range sess.WorkflowIDs {
		ids = append(ids, id)
	}
	status := sess.Status
	c.mu.Unlock()

	sort.Strings(ids)
	summaries := make([]WorkflowSummary, 0, len(ids))
	for _, id := range ids {
		c.mu.Lock()
		h, ok := c.workflows[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		snap := h.rt.Snapshot()
		summaries = append(summaries, WorkflowSummary{
			ID: snap.ID, Type: snap.Type, Status: snap.Status,
			PhaseIndex: snap.PhaseIndex, PhaseName: snap.PhaseName,
		})
	}
	return SessionState{SessionID: sessionID, Status: status, Workflows: summaries}
}

func (c *Coordinator) requestEvaluate() {
	select {
	case c.evaluateCh <- struct{}{}:
	default:
	}
}
