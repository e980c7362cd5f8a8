package eventbus

import "time"

// Topic identifies the kind of event being published. Each topic carries
// its own payload shape; subscribers filter by topic, not by payload type.
type Topic string

const (
	// TopicWorkflowProgress carries WorkflowProgress payloads.
	TopicWorkflowProgress Topic = "workflow.progress"
	// TopicWorkflowComplete carries WorkflowComplete payloads.
	TopicWorkflowComplete Topic = "workflow.complete"
	// TopicSessionUpdated carries SessionUpdated payloads.
	TopicSessionUpdated Topic = "session.updated"
	// TopicAgentAllocated carries AgentAllocation payloads.
	TopicAgentAllocated Topic = "agent.allocated"
	// TopicAgentReleased carries AgentAllocation payloads.
	TopicAgentReleased Topic = "agent.released"
	// TopicError carries ErrorEvent payloads for invariant violations and
	// fatal conditions that must be surfaced to subscribers.
	TopicError Topic = "error"
)

// Event is the envelope fired on the bus. Payload is topic-specific;
// handlers type-assert based on Topic.
type Event struct {
	Topic     Topic
	Payload   interface{}
	Emittedat time.Time
}

// WorkflowProgress is one structured progress record.
type WorkflowProgress struct {
	WorkflowID string
	Type       string
	Status     string
	Phase      string
	PhaseIndex int
	TotalPhase int
	Percentage float64
	Message    string
	TaskID     string
	LogPath    string
}

// WorkflowComplete reports a workflow's terminal outcome.
type WorkflowComplete struct {
	WorkflowID string
	SessionID  string
	Success    bool
	Error      string
	Duration   time.Duration
}

// SessionUpdated is fired whenever a Session's status field changes.
type SessionUpdated struct {
	SessionID string
	Status    string
}

// AgentAllocation describes an allocate/release transition in the pool.
type AgentAllocation struct {
	AgentName  string
	WorkflowID string
	RoleID     string
}

// ErrorEvent carries an invariant violation or fatal condition.
type ErrorEvent struct {
	Source  string
	Message string
	Err     error
}
