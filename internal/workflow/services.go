package workflow

import (
	"context"

	"github.com/aosanya/apc/internal/agent"
	"github.com/aosanya/apc/internal/eventbus"
	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/task"
)

// Runner is the subset of the external Agent Runner a
// Runtime needs: starting a prompt against an allocated agent and killing
// one on forced pause. Defined locally so that package workflow does not
// import internal/agentrunner.
type Runner interface {
	// Start launches agentName on prompt and returns immediately; the
	// workflow learns the outcome later via the Completion-Signal Bus.
	Start(ctx context.Context, agentName, prompt string) error
	// Kill forcibly stops whatever agentName is currently running
	// (forced pause).
	Kill(ctx context.Context, agentName string) error
}

// Services bundles the shared components a workflow is allowed to touch,
// injected once at Runtime construction.
type Services struct {
	Agents      *agent.Pool
	Tasks       *task.Registry
	Occupancy   *task.OccupancyTable
	Conflicts   *task.ConflictTable
	Signals     *signalbus.Bus
	Events      *eventbus.Bus
	AgentRunner Runner
}
