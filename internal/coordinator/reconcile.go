package coordinator

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/apc/internal/task"
	"github.com/aosanya/apc/internal/workflow"
)

// reconcileLoop drives the reconciliation sweep: it wakes on every
// requestEvaluate signal (workflow progress/completion, conflict
// declaration, occupancy change) and on the periodic fallback ticker, and
// always applies the same rules in the same order.
func (c *Coordinator) reconcileLoop() {
	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.evaluateCh:
			c.reconcileOnce()
		case <-ticker.C:
			c.reconcileOnce()
		}
	}
}

// reconcileOnce applies the reconciliation rules in
// order: (1) pause workflows whose occupied tasks intersect a declared
// conflict, (2) resume workflows paused by a conflict that has since
// cleared, (3) admit pending task_implementation dispatch for tasks that
// became ready, (4) block new non-revision dispatch while a blocking
// revision workflow is active in the session. Rule 4 is enforced at
// DispatchWorkflow time by checking sessionHasBlockingRevision, so this
// sweep implements rules 1-3 plus the admission half of rule 4's
// bookkeeping (promoting dependency-ready tasks is handled by (3); the
// blocking check itself lives in DispatchWorkflow).
func (c *Coordinator) reconcileOnce() {
	c.pauseOnConflict()
	c.resumeOnConflictCleared()
	c.admitHeldWorkflows()
	c.admitReadyTasks()
}

// admitHeldWorkflows launches workflows that DispatchWorkflow admitted
// but held back because a blocking revision was active in their session
// (admission rule), once that revision has terminated.
func (c *Coordinator) admitHeldWorkflows() {
	for _, h := range c.allHandles() {
		c.mu.Lock()
		held := !h.launched
		c.mu.Unlock()
		if !held || h.rt.Status() != workflow.StatusPending {
			continue
		}
		if c.sessionHasBlockingRevision(h.sessionID) {
			continue
		}
		log.WithField("workflow_id", h.rt.ID).Info("launching workflow held by a blocking revision")
		c.launch(h)
	}
}

// pauseOnConflict forces a pause on every running workflow whose occupied
// tasks intersect a conflict declared by a different workflow.
func (c *Coordinator) pauseOnConflict() {
	declarations := c.declarations()
	if len(declarations) == 0 {
		return
	}

	for _, h := range c.allHandles() {
		if h.rt.Status() != workflow.StatusRunning {
			continue
		}
		occupied := c.workflowTaskIDs(h)
		if len(occupied) == 0 {
			// A workflow working on no tasks has nothing to conflict over,
			// wildcard declarations included.
			continue
		}
		for _, d := range declarations {
			if d.WorkflowID == h.rt.ID {
				continue
			}
			if d.Resolution != task.ResolutionPauseOthers {
				continue
			}
			if c.declaringSession(d) != h.sessionID {
				continue
			}
			if d.Intersects(occupied) {
				log.WithFields(log.Fields{
					"workflow_id":   h.rt.ID,
					"conflict_from": d.WorkflowID,
				}).Info("pausing workflow: conflicting declaration intersects its occupied tasks")
				c.mu.Lock()
				h.pausedByConflict = true
				c.mu.Unlock()
				h.rt.Pause(c.ctx, true)
				break
			}
		}
	}
}

// workflowTaskIDs returns the tasks h is working on: live occupancy plus
// the task its dispatch config names. The config half matters for paused
// workflows, whose occupancy has been released but whose claim on the
// task is still real.
func (c *Coordinator) workflowTaskIDs(h *handle) []string {
	ids := c.svc.Occupancy.TasksOccupiedBy(h.rt.ID)
	if taskID, ok := h.config["taskId"].(string); ok && taskID != "" {
		found := false
		for _, id := range ids {
			if id == taskID {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, taskID)
		}
	}
	return ids
}

// resumeOnConflictCleared relaunches any workflow paused by a conflict
// that no longer intersects its occupied tasks.
func (c *Coordinator) resumeOnConflictCleared() {
	declarations := c.declarations()

	for _, h := range c.allHandles() {
		c.mu.Lock()
		conflictPaused := h.pausedByConflict
		c.mu.Unlock()
		if !conflictPaused || h.rt.Status() != workflow.StatusPaused {
			continue
		}
		occupied := c.workflowTaskIDs(h)
		blocked := false
		for _, d := range declarations {
			if d.WorkflowID == h.rt.ID {
				continue
			}
			if d.Resolution == task.ResolutionPauseOthers &&
				c.declaringSession(d) == h.sessionID && d.Intersects(occupied) {
				blocked = true
				break
			}
		}
		if !blocked {
			log.WithField("workflow_id", h.rt.ID).Info("resuming workflow: conflict cleared")
			h.rt.Resume()
			c.mu.Lock()
			h.pausedByConflict = false
			h.done = make(chan struct{})
			c.mu.Unlock()
			c.launch(h)
		}
	}
}

// admitReadyTasks dispatches a task_implementation workflow for every
// task that has become ready since the last sweep and has no workflow
// already tracking it.
func (c *Coordinator) admitReadyTasks() {
	c.mu.Lock()
	sessions := make([]string, 0, len(c.sessions))
	for id, sess := range c.sessions {
		if sess.Status == SessionExecuting {
			sessions = append(sessions, id)
		}
	}
	c.mu.Unlock()

	for _, sessionID := range sessions {
		if c.sessionHasBlockingRevision(sessionID) {
			continue
		}
		for _, t := range c.svc.Tasks.ReadyTasks(sessionID) {
			if c.taskHasWorkflow(t.ID) {
				continue
			}
			cfg := map[string]interface{}{"taskId": t.ID, "prompt": t.Description}
			if _, err := c.DispatchWorkflow(sessionID, taskImplementationTypeName, cfg, DispatchOptions{}); err != nil {
				log.WithFields(log.Fields{"task_id": t.ID, "err": err}).Warn("failed to admit ready task")
			}
		}
	}
}

// taskImplementationTypeName duplicates internal/registry's
// TypeTaskImplementation constant; the two must be kept in sync by hand.
const taskImplementationTypeName = "task_implementation"

func (c *Coordinator) taskHasWorkflow(taskID string) bool {
	for _, h := range c.allHandles() {
		if h.typeName != taskImplementationTypeName {
			continue
		}
		if h.rt.Status().Terminal() {
			continue
		}
		if id, _ := h.config["taskId"].(string); id == taskID {
			return true
		}
	}
	return false
}

// sessionHasBlockingRevision reports whether sessionID has an active
// blocking planning-revision workflow, which suppresses new non-revision
// dispatch.
func (c *Coordinator) sessionHasBlockingRevision(sessionID string) bool {
	for _, h := range c.sessionWorkflows(sessionID) {
		if h.blocking && !h.rt.Status().Terminal() {
			return true
		}
	}
	return false
}

// declaringSession resolves the session a conflict declaration's workflow
// belongs to; declarations never cross session boundaries.
func (c *Coordinator) declaringSession(d *task.ConflictDeclaration) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.workflows[d.WorkflowID]; ok {
		return h.sessionID
	}
	return ""
}

func (c *Coordinator) declarations() []*task.ConflictDeclaration {
	if c.svc.Conflicts == nil {
		return nil
	}
	return c.svc.Conflicts.All()
}

func (c *Coordinator) allHandles() []*handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*handle, 0, len(c.workflows))
	for _, h := range c.workflows {
		out = append(out, h)
	}
	return out
}
