package coordinator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/apc/internal/workflow"
)

// statePath returns the per-workflow state file path.
func (c *Coordinator) statePath(workflowID string) string {
	return filepath.Join(c.stateDir, workflowID+".state.json")
}

// persist writes h's current snapshot atomically (write-to-temp+rename),
// on every workflow status transition and phase boundary.
func (c *Coordinator) persist(h *handle) {
	if c.stateDir == "" {
		return
	}
	snap := h.rt.Snapshot()
	sf := StateFile{
		ID:                 snap.ID,
		Type:               snap.Type,
		SessionID:          snap.SessionID,
		Status:             snap.Status,
		PhaseIndex:         snap.PhaseIndex,
		PhaseName:          snap.PhaseName,
		PartialOutput:      snap.PartialOutput,
		FilesModifiedSoFar: snap.FilesModifiedSoFar,
		SavedAt:            time.Now().UTC(),
	}
	data, err := json.Marshal(sf)
	if err != nil {
		log.WithFields(log.Fields{"workflow_id": h.rt.ID, "err": err}).Error("failed to marshal workflow state")
		return
	}
	if err := renameio.WriteFile(c.statePath(h.rt.ID), data, 0o644); err != nil {
		log.WithFields(log.Fields{"workflow_id": h.rt.ID, "err": err}).Error("failed to persist workflow state")
	}
}

// loadPersistedStates reads every *.state.json file under stateDir.
func (c *Coordinator) loadPersistedStates() ([]StateFile, error) {
	if c.stateDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(c.stateDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []StateFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.stateDir, e.Name()))
		if err != nil {
			log.WithFields(log.Fields{"file": e.Name(), "err": err}).Warn("skipping unreadable workflow state file")
			continue
		}
		var sf StateFile
		if err := json.Unmarshal(data, &sf); err != nil {
			log.WithFields(log.Fields{"file": e.Name(), "err": err}).Warn("skipping corrupt workflow state file")
			continue
		}
		out = append(out, sf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// snapshotAsPersisted converts a StateFile back into a workflow.PersistedState
// for Runtime.Restore.
func snapshotAsPersisted(sf StateFile) workflow.PersistedState {
	return workflow.PersistedState{
		ID:                 sf.ID,
		Type:               sf.Type,
		SessionID:          sf.SessionID,
		Status:             sf.Status,
		PhaseIndex:         sf.PhaseIndex,
		PhaseName:          sf.PhaseName,
		PartialOutput:      sf.PartialOutput,
		FilesModifiedSoFar: sf.FilesModifiedSoFar,
	}
}
