package agent

import "errors"

var (
	// ErrPoolExhausted is returned by a non-blocking Request when no agent
	// is available to satisfy it.
	ErrPoolExhausted = errors.New("agent pool exhausted")

	// ErrUnknownAgent is returned by Release/Demote/Promote for a name the
	// pool does not own.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrInvalidSize is returned by Resize for n outside [1,20].
	ErrInvalidSize = errors.New("pool size must be between 1 and 20")

	// ErrRequestCancelled is returned when a blocking Request's context is
	// cancelled before an agent becomes available.
	ErrRequestCancelled = errors.New("agent request cancelled")
)
