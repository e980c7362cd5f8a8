// Package ipc exposes the coordinator over a message-oriented endpoint:
// requests and responses correlate on a client-chosen id, and unsolicited
// events stream to any WebSocket subscriber.
package ipc

import "encoding/json"

// Request is the client-to-coordinator message envelope. ID is chosen by
// the client; the response echoes it.
type Request struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the coordinator-to-client reply envelope, correlated on ID.
type Response struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo describes a request failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is an unsolicited event pushed to WebSocket subscribers.
type EventFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Request types.
const (
	ReqStatus              = "status"
	ReqSessionList         = "session.list"
	ReqSessionGet          = "session.get"
	ReqSessionPause        = "session.pause"
	ReqSessionResume       = "session.resume"
	ReqSessionStop         = "session.stop"
	ReqSessionRemove       = "session.remove"
	ReqPlanCreate          = "plan.create"
	ReqPlanApprove         = "plan.approve"
	ReqPlanRevise          = "plan.revise"
	ReqPlanCancel          = "plan.cancel"
	ReqPlanRestart         = "plan.restart"
	ReqPoolStatus          = "pool.status"
	ReqPoolResize          = "pool.resize"
	ReqExecStart           = "exec.start"
	ReqExecPause           = "exec.pause"
	ReqExecResume          = "exec.resume"
	ReqExecStop            = "exec.stop"
	ReqExecStatus          = "exec.status"
	ReqWorkflowRetry       = "workflow.retry"
	ReqCoordinatorEvaluate = "coordinator.evaluate"
	ReqAgentComplete       = "agent.complete"
)

// Error codes surfaced in ErrorInfo.Code.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeInternal   = "INTERNAL_ERROR"
)

// sessionPayload is shared by every request addressing one session.
type sessionPayload struct {
	SessionID string `json:"sessionId"`
}

// planCreatePayload starts a planning workflow from a requirement text.
type planCreatePayload struct {
	SessionID   string `json:"sessionId"`
	Requirement string `json:"requirement"`
}

// planApprovePayload validates and stages the approved plan's tasks.
type planApprovePayload struct {
	SessionID   string `json:"sessionId"`
	PlanContent string `json:"planContent"`
}

// planRevisePayload starts a blocking revision workflow.
type planRevisePayload struct {
	SessionID    string `json:"sessionId"`
	RevisionText string `json:"revisionText"`
}

// poolResizePayload resizes the agent pool.
type poolResizePayload struct {
	Size int `json:"size"`
}

// execStartPayload dispatches task workflows from the session's plan.
type execStartPayload struct {
	SessionID   string `json:"sessionId"`
	PlanContent string `json:"planContent"`
}

// workflowRetryPayload retries one failed workflow.
type workflowRetryPayload struct {
	WorkflowID string `json:"workflowId"`
}

// agentCompletePayload is the CLI callback delivering a completion signal.
type agentCompletePayload struct {
	SessionID  string          `json:"sessionId"`
	WorkflowID string          `json:"workflowId"`
	Stage      string          `json:"stage"`
	TaskID     string          `json:"taskId,omitempty"`
	Result     string          `json:"result"`
	Data       json.RawMessage `json:"data,omitempty"`
}
