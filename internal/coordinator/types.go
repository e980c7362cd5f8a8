// Package coordinator implements the top-level scheduling facade: it
// dispatches workflows, fans session-level pause/resume/cancel out to
// their workflows, runs the reconciliation loop that pauses and resumes
// workflows around conflicting occupancy, and persists crash-safe state
// per workflow.
package coordinator

import (
	"time"

	"github.com/aosanya/apc/internal/workflow"
)

// SessionStatus mirrors the Session entity's status field.
type SessionStatus string

const (
	SessionPlanning  SessionStatus = "planning"
	SessionExecuting SessionStatus = "executing"
	SessionPaused    SessionStatus = "paused"
	SessionStopped   SessionStatus = "stopped"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether s is one of the designated session terminals.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// Session tracks the workflows dispatched for one planning/execution unit.
type Session struct {
	ID          string
	Status      SessionStatus
	WorkflowIDs map[string]struct{}
}

// DispatchOptions configures a single dispatchWorkflow call.
type DispatchOptions struct {
	Priority int
	Blocking bool // a planning-revision style workflow that pauses siblings
}

// handle is the coordinator's bookkeeping record for one live workflow.
// config is retained so workflow.retry can dispatch a fresh workflow with
// the same input.
type handle struct {
	rt        *workflow.Runtime
	sessionID string
	typeName  string
	priority  int
	blocking  bool
	config    map[string]interface{}
	launched  bool // false while held back by an active blocking revision
	// pausedByConflict distinguishes a reconciliation-forced pause from a
	// user-requested one: only the former is auto-resumed when the
	// intersecting conflicts clear.
	pausedByConflict bool
	done             chan struct{}
}

// SessionState is the snapshot returned by getSessionState.
type SessionState struct {
	SessionID string
	Status    SessionStatus
	Workflows []WorkflowSummary
}

// WorkflowSummary is one workflow's public-facing state.
type WorkflowSummary struct {
	ID         string
	Type       string
	Status     workflow.Status
	PhaseIndex int
	PhaseName  string
}

// StateFile is the on-disk persisted record for one workflow.
type StateFile struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	SessionID          string          `json:"sessionId"`
	Status             workflow.Status `json:"status"`
	PhaseIndex         int             `json:"phaseIndex"`
	PhaseName          string          `json:"phaseName"`
	PartialOutput      interface{}     `json:"partialOutput,omitempty"`
	FilesModifiedSoFar []string        `json:"filesModifiedSoFar,omitempty"`
	SavedAt            time.Time       `json:"savedAt"`
}
