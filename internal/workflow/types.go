// Package workflow implements the workflow runtime base: the
// phase-sequence state machine shared by every workflow type, with retry,
// cooperative/forced pause, cancellation, progress emission and log
// discipline.
package workflow

import (
	"errors"
	"time"
)

// Status is the Workflow entity's status field.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the designated terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Directive is what a phase callback asks the Runtime to do next.
type Directive int

const (
	// DirectiveAdvance moves the phase pointer to the next phase (or
	// completes the workflow if this was the last phase).
	DirectiveAdvance Directive = iota
	// DirectiveRewind moves the phase pointer back to RewindToPhase,
	// following the phase-iteration idiom.
	DirectiveRewind
)

// PhaseResult is returned by a workflow type's phase callback.
type PhaseResult struct {
	Directive     Directive
	RewindToPhase string // required when Directive == DirectiveRewind
}

var Advance = PhaseResult{Directive: DirectiveAdvance}

// RewindTo builds a PhaseResult that loops back to phaseName.
func RewindTo(phaseName string) PhaseResult {
	return PhaseResult{Directive: DirectiveRewind, RewindToPhase: phaseName}
}

// Impl is the capability set a concrete workflow type implements: the base Runtime is composition,
// not inheritance, over this set.
type Impl interface {
	// Phases lists this workflow's ordered phase names.
	Phases() []string
	// Execute runs the phase at phaseIndex and reports what should happen
	// next. It must be safe to call again from the top if a pause or
	// crash interrupted a prior call.
	Execute(ctx *PhaseContext) (PhaseResult, error)
	// Output returns the type-specific result once the workflow reaches a
	// terminal status.
	Output() interface{}
}

var (
	// ErrRetryCapExceeded marks a phase failure that exhausted its retry
	// policy.
	ErrRetryCapExceeded = errors.New("retry attempts exhausted")
)

// RetryPolicy configures the base Runtime's retry-with-backoff loop. Delay is min(BaseDelay*2^(attempt-1), Cap) plus jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Cap         time.Duration
	Jitter      float64 // fraction of the computed delay, e.g. 0.1
}

// DefaultRetryPolicy is the stock 3-attempt exponential-backoff policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Cap: 30 * time.Second, Jitter: 0.1}
}
