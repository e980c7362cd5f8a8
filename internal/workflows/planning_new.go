package workflows

import (
	"fmt"

	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/workflow"
)

// maxPlanningIterations caps the planner<->analysts rewind loop.
const maxPlanningIterations = 3

// AnalystVerdict is one analyst's structured review result.
type AnalystVerdict struct {
	Analyst string
	Result  string // pass | critical | minor
	Issues  []string
}

// PlanningNewOutput is the terminal output of the Planning (new) workflow
// type.
type PlanningNewOutput struct {
	PlanPath       string
	Iterations     int
	ForcedFinalize bool
	Warnings       []string
}

// PlanningNew implements the Planning (new) workflow: planner -> analysts
// -> finalize, rewinding to planner whenever an analyst round returns a
// critical verdict and the iteration cap has not been reached.
type PlanningNew struct {
	SessionPrompt string // the user's planning request, carried as Input

	planPath   string
	lastRound  []AnalystVerdict
	forced     bool
	warnings   []string
	iterations int
}

func (w *PlanningNew) Phases() []string { return []string{"planner", "analysts", "finalize"} }

func (w *PlanningNew) Output() interface{} {
	return PlanningNewOutput{
		PlanPath:       w.planPath,
		Iterations:     w.iterations,
		ForcedFinalize: w.forced,
		Warnings:       w.warnings,
	}
}

func (w *PlanningNew) Execute(ctx *workflow.PhaseContext) (workflow.PhaseResult, error) {
	switch ctx.PhaseName {
	case "planner":
		sig, err := runAgentPhase(ctx, "planner", signalbus.StagePlanning, "", w.plannerPrompt(ctx))
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		if path, ok := stringField(sig.Payload, "planPath"); ok {
			w.planPath = path
		}
		return workflow.Advance, nil

	case "analysts":
		verdicts, err := w.runAnalysts(ctx)
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		w.lastRound = verdicts
		w.iterations = ctx.Runtime.IterationCount("planner") + 1

		if anyCritical(verdicts) {
			if ctx.Runtime.IterationCount("planner") >= maxPlanningIterations-1 {
				w.forced = true
				w.warnings = append(w.warnings, "iteration cap reached with outstanding critical findings; forcing finalize")
				return workflow.Advance, nil
			}
			return workflow.RewindTo("planner"), nil
		}
		return workflow.Advance, nil

	case "finalize":
		_, err := runAgentPhase(ctx, "planner", signalbus.StageFinalize, "", "Finalize the plan document.")
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		return workflow.Advance, nil
	}
	return workflow.PhaseResult{}, workflow.WrapPermanent(fmt.Errorf("unknown phase %q", ctx.PhaseName))
}

func (w *PlanningNew) plannerPrompt(ctx *workflow.PhaseContext) string {
	if len(w.lastRound) == 0 {
		return w.SessionPrompt
	}
	msg := "Revise the plan to address the following analyst findings:\n"
	for _, v := range w.lastRound {
		if v.Result == "critical" {
			msg += fmt.Sprintf("- [%s] %v\n", v.Analyst, v.Issues)
		}
	}
	return msg
}

func (w *PlanningNew) runAnalysts(ctx *workflow.PhaseContext) ([]AnalystVerdict, error) {
	names := []string{"analyst-1", "analyst-2", "analyst-3"}
	out := make([]AnalystVerdict, 0, len(names))
	for _, role := range names {
		sig, err := runAgentPhase(ctx, role, signalbus.StageAnalysis, "", "Review the current plan.")
		if err != nil {
			return nil, err
		}
		v := AnalystVerdict{Analyst: role, Result: sig.ResultCode}
		if issues, ok := sliceField(sig.Payload, "issues"); ok {
			v.Issues = issues
		}
		out = append(out, v)
	}
	return out, nil
}

func anyCritical(verdicts []AnalystVerdict) bool {
	for _, v := range verdicts {
		if v.Result == "critical" {
			return true
		}
	}
	return false
}
