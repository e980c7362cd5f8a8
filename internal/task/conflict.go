package task

import "sync"

// Resolution is a conflict's resolution policy.
type Resolution string

const (
	ResolutionPauseOthers    Resolution = "pause_others"
	ResolutionWaitForOthers  Resolution = "wait_for_others"
	ResolutionAbortIfOccupied Resolution = "abort_if_occupied"
)

// WildcardAllTasks is the '*' sentinel meaning "all tasks".
const WildcardAllTasks = "*"

// ConflictDeclaration is one workflow's statement that certain tasks
// must not be worked on concurrently by others.
type ConflictDeclaration struct {
	WorkflowID string
	TaskIDs    map[string]struct{} // may contain WildcardAllTasks
	Resolution Resolution
	Reason     string
}

// Wildcard reports whether this declaration covers every task.
func (c *ConflictDeclaration) Wildcard() bool {
	_, ok := c.TaskIDs[WildcardAllTasks]
	return ok
}

// Intersects reports whether this declaration covers any of taskIDs.
func (c *ConflictDeclaration) Intersects(taskIDs []string) bool {
	if c.Wildcard() {
		return true
	}
	for _, id := range taskIDs {
		if _, ok := c.TaskIDs[id]; ok {
			return true
		}
	}
	return false
}

// ConflictTable records declared conflicts. Declaring a
// conflict only records intent; it is the Coordinator's reconciliation
// loop that reads this table to decide on pausing workflows.
type ConflictTable struct {
	mu           sync.RWMutex
	declarations map[string]*ConflictDeclaration // workflowID -> declaration
}

// NewConflictTable creates an empty ConflictTable.
func NewConflictTable() *ConflictTable {
	return &ConflictTable{declarations: make(map[string]*ConflictDeclaration)}
}

// DeclareConflict records workflowID's conflict declaration, replacing
// any prior declaration from the same workflow.
func (c *ConflictTable) DeclareConflict(workflowID string, taskIDs []string, resolution Resolution, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		set[id] = struct{}{}
	}
	c.declarations[workflowID] = &ConflictDeclaration{
		WorkflowID: workflowID,
		TaskIDs:    set,
		Resolution: resolution,
		Reason:     reason,
	}
}

// ClearConflicts removes workflowID's declaration, if any.
func (c *ConflictTable) ClearConflicts(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.declarations, workflowID)
}

// ConflictsAgainst returns every declaration made by workflowID, used by
// the Coordinator to inspect what a given workflow has declared.
func (c *ConflictTable) ConflictsAgainst(workflowID string) []*ConflictDeclaration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.declarations[workflowID]; ok {
		return []*ConflictDeclaration{d}
	}
	return nil
}

// All returns every currently declared conflict, used by the
// reconciliation loop to evaluate pause/resume decisions across all
// workflows.
func (c *ConflictTable) All() []*ConflictDeclaration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ConflictDeclaration, 0, len(c.declarations))
	for _, d := range c.declarations {
		out = append(out, d)
	}
	return out
}
