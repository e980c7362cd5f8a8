// Package agent implements the Agent entity and the bounded, named Agent
// Pool: a fixed-size roster of named agents, each
// in one of {available, busy, benched}, supporting priority allocation,
// bench demotion, and release.
package agent

import "time"

// State is the lifecycle state of an Agent within the Pool.
type State string

const (
	StateAvailable State = "available"
	StateBusy      State = "busy"
	StateBenched   State = "benched"
)

// Agent is a named slot owned by the Pool. A name is an opaque identity
// token — it does not imply capability. Role is a hint the caller
// attaches at allocation time and is otherwise ignored by the pool; it is
// forwarded so the external Agent Runner can pick a prompt/model/tool set.
type Agent struct {
	Name       string
	State      State
	WorkflowID string // empty when not allocated
	RoleID     string // empty when not allocated
	retiring   bool   // true once a shrink has marked this slot for removal
	updatedAt  time.Time
}

// defaultRoster is the fixed 20-name list the Pool draws from, truncated
// to the configured size.
var defaultRoster = []string{
	"Alex", "Betty", "Carl", "Dana", "Eli", "Farah", "Gus", "Hana", "Ivan",
	"Jo", "Kira", "Leo", "Mona", "Nico", "Omar", "Priya", "Quinn", "Rosa",
	"Sam", "Tara",
}

// MaxRosterSize is the largest pool size the fixed roster can support.
const MaxRosterSize = 20
