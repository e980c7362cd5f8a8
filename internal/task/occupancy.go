package task

import (
	"sync"
	"time"
)

// Mode is how strongly a workflow claims a task.
type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeShared    Mode = "shared"
)

// OccupancyRecord is one workflow's claim on one task.
type OccupancyRecord struct {
	TaskID     string
	WorkflowID string
	Mode       Mode
	Reason     string
	DeclaredAt time.Time
}

// OccupancyTable tracks which workflow occupies which task.
type OccupancyTable struct {
	mu      sync.RWMutex
	records map[string][]*OccupancyRecord // taskID -> records
}

// NewOccupancyTable creates an empty OccupancyTable.
func NewOccupancyTable() *OccupancyTable {
	return &OccupancyTable{records: make(map[string][]*OccupancyRecord)}
}

// DeclareOccupancy records workflowID's occupancy of taskIDs in mode. An
// exclusive declaration fails with ErrOccupancyConflict if any other
// workflow occupies a task; a shared declaration fails only if another
// workflow holds an exclusive record. Re-declaring by the same workflow
// is idempotent — its existing record is refreshed in place, never
// counted as a conflict against itself, so an iteration loop can re-enter
// a phase that declares occupancy without first releasing its own claim.
// On failure no task is mutated (all-or-nothing).
func (o *OccupancyTable) DeclareOccupancy(workflowID string, taskIDs []string, mode Mode, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, taskID := range taskIDs {
		for _, r := range o.records[taskID] {
			if r.WorkflowID == workflowID {
				continue
			}
			if mode == ModeExclusive || r.Mode == ModeExclusive {
				return ErrOccupancyConflict
			}
		}
	}

	now := time.Now()
	for _, taskID := range taskIDs {
		refreshed := false
		for _, r := range o.records[taskID] {
			if r.WorkflowID == workflowID {
				r.Mode = mode
				r.Reason = reason
				r.DeclaredAt = now
				refreshed = true
				break
			}
		}
		if refreshed {
			continue
		}
		o.records[taskID] = append(o.records[taskID], &OccupancyRecord{
			TaskID:     taskID,
			WorkflowID: workflowID,
			Mode:       mode,
			Reason:     reason,
			DeclaredAt: now,
		})
	}
	return nil
}

// ReleaseOccupancy removes workflowID's records. If taskIDs is nil, every
// task occupied by workflowID is released.
func (o *OccupancyTable) ReleaseOccupancy(workflowID string, taskIDs []string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	targets := taskIDs
	if targets == nil {
		for taskID, recs := range o.records {
			for _, r := range recs {
				if r.WorkflowID == workflowID {
					targets = append(targets, taskID)
					break
				}
			}
		}
	}

	for _, taskID := range targets {
		recs := o.records[taskID]
		kept := recs[:0]
		for _, r := range recs {
			if r.WorkflowID != workflowID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(o.records, taskID)
		} else {
			o.records[taskID] = kept
		}
	}
}

// OccupantsOf returns the current occupancy records for taskID.
func (o *OccupancyTable) OccupantsOf(taskID string) []*OccupancyRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*OccupancyRecord(nil), o.records[taskID]...)
}

// TasksOccupiedBy returns every task id workflowID currently occupies.
func (o *OccupancyTable) TasksOccupiedBy(workflowID string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []string
	for taskID, recs := range o.records {
		for _, r := range recs {
			if r.WorkflowID == workflowID {
				out = append(out, taskID)
				break
			}
		}
	}
	return out
}
