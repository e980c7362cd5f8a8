// Package signalbus implements the completion-signal bus: the rendezvous
// that joins an external agent CLI's completion callback with an
// in-process workflow phase waiting on it, backed by an in-memory,
// bounded, expiring buffer.
package signalbus

import (
	"errors"
	"fmt"
	"time"
)

// Stage is the dimension the bus matches awaiters against.
type Stage string

const (
	StageContext        Stage = "context"
	StageDeltaContext   Stage = "delta_context"
	StageImplementation Stage = "implementation"
	StageReview         Stage = "review"
	StageAnalysis       Stage = "analysis"
	StageErrorAnalysis  Stage = "error_analysis"
	StageFinalize       Stage = "finalize"
	StagePlanning       Stage = "planning"
)

// Signal is one structured completion record delivered by an agent's CLI
// callback.
type Signal struct {
	SessionID  string
	WorkflowID string
	Stage      Stage
	TaskID     string // empty means "no task" (matches a nil awaiter taskID)
	ResultCode string
	Payload    interface{}
	ReceivedAt time.Time
}

// Key identifies the (sessionId, workflowId, stage, taskId) rendezvous
// point.
type Key struct {
	SessionID  string
	WorkflowID string
	Stage      Stage
	TaskID     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.SessionID, k.WorkflowID, k.Stage, k.TaskID)
}

func keyOf(s *Signal) Key {
	return Key{SessionID: s.SessionID, WorkflowID: s.WorkflowID, Stage: s.Stage, TaskID: s.TaskID}
}

var (
	// ErrAwaitTimeout is returned by Wait when no matching signal arrives
	// before the timeout or context elapses.
	ErrAwaitTimeout = errors.New("timed out awaiting completion signal")

	// ErrDuplicateAwaiter is returned by Wait when another awaiter is
	// already pending on the same key.
	ErrDuplicateAwaiter = errors.New("a pending awaiter already exists for this key")
)
