// Package task implements the Task Registry and the Occupancy & Conflict
// Table: the current tasks parsed from a session's active
// plan, which workflow (if any) occupies each task, and which workflows
// have declared conflicts over which tasks.
package task

import (
	"errors"
	"time"
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeferred   Status = "deferred"
)

// PipelineConfig is the optional, domain-specific external-tool pipeline
// configuration a task may carry.
type PipelineConfig struct {
	Enabled bool
	Name    string
	Args    map[string]string
}

// Task is one unit of plan work.
type Task struct {
	ID           string
	SessionID    string
	Description  string
	Dependencies map[string]struct{}
	TargetFiles  []string
	Pipeline     *PipelineConfig
	Status       Status
	DeferredBy   string // reason/blocker recorded by Defer
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep-enough copy safe for callers to mutate.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Dependencies = make(map[string]struct{}, len(t.Dependencies))
	for d := range t.Dependencies {
		cp.Dependencies[d] = struct{}{}
	}
	cp.TargetFiles = append([]string(nil), t.TargetFiles...)
	return &cp
}

var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrCycleDetected is returned by LoadFromPlan when the plan's
	// dependency edges contain a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected in plan")

	// ErrOccupancyConflict is returned when a declared occupancy collides
	// with another workflow's record: an exclusive request over any other
	// occupant, or a shared request over another workflow's exclusive one.
	ErrOccupancyConflict = errors.New("occupancy conflict")
)
