package task

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry holds the current tasks parsed from each session's plan.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task // id -> task
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// LoadFromPlan parses planContent and replaces every task belonging to
// sessionID with the freshly parsed set. It rejects plans whose
// dependency edges contain a cycle before mutating any state.
func (r *Registry) LoadFromPlan(sessionID, planContent string) ([]*Task, error) {
	parsed, err := ParsePlan(sessionID, planContent)
	if err != nil {
		return nil, err
	}
	if err := ValidateAcyclic(parsed); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.tasks {
		if t.SessionID == sessionID {
			delete(r.tasks, id)
		}
	}
	for _, t := range parsed {
		t.Status = StatusPending
		r.tasks[t.ID] = t
	}

	log.WithFields(log.Fields{"session_id": sessionID, "task_count": len(parsed)}).
		Info("loaded plan into task registry")
	return parsed, nil
}

// Get returns a copy of the named task.
func (r *Registry) Get(taskID string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// ListBySession returns every task belonging to sessionID, stable-ordered
// by id.
func (r *Registry) ListBySession(sessionID string) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if t.SessionID == sessionID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReadyTasks returns exactly those tasks in sessionID with every
// dependency completed and which are not deferred, stable-ordered by id.
func (r *Registry) ReadyTasks(sessionID string) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Task
	for _, t := range r.tasks {
		if t.SessionID != sessionID {
			continue
		}
		if t.Status == StatusDeferred || t.Status != StatusPending && t.Status != StatusReady {
			continue
		}
		if r.dependenciesCompletedLocked(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) dependenciesCompletedLocked(t *Task) bool {
	for dep := range t.Dependencies {
		d, ok := r.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkStatus transitions taskID to newStatus, recording an optional
// human-readable reason (surfaced through progress events by callers).
func (r *Registry) MarkStatus(taskID string, newStatus Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = newStatus
	if reason != "" {
		t.DeferredBy = reason
	}
	log.WithFields(log.Fields{"task_id": taskID, "status": newStatus, "reason": reason}).
		Debug("task status changed")
	return nil
}

// Defer marks a task deferred, recording what it is blocked by.
func (r *Registry) Defer(taskID, blockedBy string) error {
	return r.MarkStatus(taskID, StatusDeferred, blockedBy)
}

// Undefer returns a deferred task to pending.
func (r *Registry) Undefer(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status == StatusDeferred {
		t.Status = StatusPending
		t.DeferredBy = ""
	}
	return nil
}
