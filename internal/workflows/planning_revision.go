package workflows

import (
	"fmt"
	"strings"

	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/task"
	"github.com/aosanya/apc/internal/workflow"
)

// PlanningRevisionOutput is the terminal output of the Planning (revision)
// workflow type.
type PlanningRevisionOutput struct {
	PlanPath      string
	AffectedTasks []string
	Global        bool
}

// globalRevisionKeywords are matched case-insensitively against the
// revision request to decide a '*' (every task) impact set.
var globalRevisionKeywords = []string{"rewrite the plan", "start over", "redo everything", "replan from scratch"}

// PlanningRevision implements the Planning (revision) workflow:
// analyze_impact -> planner -> review -> finalize. It is blocking: it
// declares a pause_others conflict over the affected task ids before
// running planner, clearing it in finalize.
type PlanningRevision struct {
	Registry     *task.Registry
	Conflicts    *task.ConflictTable
	SessionID    string
	RevisionText string

	planPath string
	affected []string
	global   bool
}

func (w *PlanningRevision) Phases() []string {
	return []string{"analyze_impact", "planner", "review", "finalize"}
}

func (w *PlanningRevision) Output() interface{} {
	return PlanningRevisionOutput{PlanPath: w.planPath, AffectedTasks: w.affected, Global: w.global}
}

func (w *PlanningRevision) Execute(ctx *workflow.PhaseContext) (workflow.PhaseResult, error) {
	switch ctx.PhaseName {
	case "analyze_impact":
		w.global = matchesGlobalKeyword(w.RevisionText)
		if w.global {
			w.affected = []string{task.WildcardAllTasks}
		} else {
			w.affected = w.affectedTaskIDs()
		}
		w.Conflicts.DeclareConflict(ctx.WorkflowID, w.affected, task.ResolutionPauseOthers, "plan revision in progress")
		return workflow.Advance, nil

	case "planner":
		sig, err := runAgentPhase(ctx, "planner", signalbus.StagePlanning, "", w.RevisionText)
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		if path, ok := stringField(sig.Payload, "planPath"); ok {
			w.planPath = path
		}
		return workflow.Advance, nil

	case "review":
		sig, err := runAgentPhase(ctx, "reviewer", signalbus.StageReview, "", "Review the revised plan.")
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		if sig.ResultCode == "critical" && ctx.Runtime.IterationCount("planner") < maxPlanningIterations-1 {
			return workflow.RewindTo("planner"), nil
		}
		return workflow.Advance, nil

	case "finalize":
		w.Conflicts.ClearConflicts(ctx.WorkflowID)
		return workflow.Advance, nil
	}
	return workflow.PhaseResult{}, workflow.WrapPermanent(fmt.Errorf("unknown phase %q", ctx.PhaseName))
}

func matchesGlobalKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range globalRevisionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// affectedTaskIDs returns the tasks directly mentioned in RevisionText (by
// id substring match) plus every task transitively depending on one of
// them. This is a heuristic impact analysis, not a correctness-critical
// parse.
func (w *PlanningRevision) affectedTaskIDs() []string {
	all := w.Registry.ListBySession(w.SessionID)
	direct := make(map[string]struct{})
	for _, t := range all {
		if strings.Contains(w.RevisionText, t.ID) {
			direct[t.ID] = struct{}{}
		}
	}

	changed := true
	for changed {
		changed = false
		for _, t := range all {
			if _, already := direct[t.ID]; already {
				continue
			}
			for dep := range t.Dependencies {
				if _, ok := direct[dep]; ok {
					direct[t.ID] = struct{}{}
					changed = true
					break
				}
			}
		}
	}

	out := make([]string, 0, len(direct))
	for id := range direct {
		out = append(out, id)
	}
	return out
}
