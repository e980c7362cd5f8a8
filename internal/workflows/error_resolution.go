package workflows

import (
	"fmt"

	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/workflow"
)

// StructuredError is one reported failure this workflow is resolving.
type StructuredError struct {
	Message        string
	RelatedTaskIDs []string
}

// ErrorResolutionOutput is the terminal output of the Error resolution
// workflow type.
type ErrorResolutionOutput struct {
	FilesModified []string
	Resolved      bool
}

// ErrorResolution implements: implement -> review -> finalize. It
// operates like a focused task implementation over a list of structured
// errors rather than a task description.
type ErrorResolution struct {
	Errors []StructuredError
	TaskID string // optional, empty when errors aren't tied to one task

	filesModified []string
	resolved      bool
}

func (w *ErrorResolution) Phases() []string { return []string{"implement", "review", "finalize"} }

func (w *ErrorResolution) Output() interface{} {
	return ErrorResolutionOutput{FilesModified: w.filesModified, Resolved: w.resolved}
}

func (w *ErrorResolution) Execute(ctx *workflow.PhaseContext) (workflow.PhaseResult, error) {
	switch ctx.PhaseName {
	case "implement":
		sig, err := runAgentPhase(ctx, "implementer", signalbus.StageErrorAnalysis, w.TaskID, w.prompt())
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		if files, ok := sliceField(sig.Payload, "filesModified"); ok {
			w.filesModified = files
			for _, f := range files {
				ctx.Runtime.RecordFileModified(f)
			}
		}
		return workflow.Advance, nil

	case "review":
		sig, err := runAgentPhase(ctx, "reviewer", signalbus.StageReview, w.TaskID, "Review the error fix.")
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		w.resolved = sig.ResultCode != "critical"
		return workflow.Advance, nil

	case "finalize":
		return workflow.Advance, nil
	}
	return workflow.PhaseResult{}, workflow.WrapPermanent(fmt.Errorf("unknown phase %q", ctx.PhaseName))
}

func (w *ErrorResolution) prompt() string {
	msg := "Resolve the following errors:\n"
	for _, e := range w.Errors {
		msg += fmt.Sprintf("- %s (related tasks: %v)\n", e.Message, e.RelatedTaskIDs)
	}
	return msg
}
