package workflows

import (
	"fmt"

	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/task"
	"github.com/aosanya/apc/internal/workflow"
)

// maxReviewIterations caps the review -> implement rewind loop; on cap
// reached without approval the workflow proceeds anyway, since the
// external pipeline (if configured) is the downstream gate.
const maxReviewIterations = 3

// TaskImplementationOutput is the terminal output of the Task
// implementation workflow type.
type TaskImplementationOutput struct {
	FilesModified  []string
	Approved       bool
	PipelineResult string
}

// TaskImplementation implements: implement -> review -> approval ->
// delta_context -> [external_pipeline?] -> finalize. It declares exclusive
// occupancy of its task at start and releases it at finalize.
type TaskImplementation struct {
	Registry  *task.Registry
	Occupancy *task.OccupancyTable
	TaskID    string
	Pipeline  *task.PipelineConfig
	Prompt    string

	filesModified  []string
	approved       bool
	pipelineResult string
}

func (w *TaskImplementation) Phases() []string {
	phases := []string{"implement", "review", "approval", "delta_context"}
	if w.Pipeline != nil && w.Pipeline.Enabled {
		phases = append(phases, "external_pipeline")
	}
	return append(phases, "finalize")
}

func (w *TaskImplementation) Output() interface{} {
	return TaskImplementationOutput{
		FilesModified:  w.filesModified,
		Approved:       w.approved,
		PipelineResult: w.pipelineResult,
	}
}

func (w *TaskImplementation) Execute(ctx *workflow.PhaseContext) (workflow.PhaseResult, error) {
	switch ctx.PhaseName {
	case "implement":
		if err := w.Occupancy.DeclareOccupancy(ctx.WorkflowID, []string{w.TaskID}, task.ModeExclusive, "implementing"); err != nil {
			return workflow.PhaseResult{}, workflow.WrapTransient(err)
		}
		if w.Registry != nil {
			_ = w.Registry.MarkStatus(w.TaskID, task.StatusInProgress, "")
		}
		sig, err := runAgentPhase(ctx, "implementer", signalbus.StageImplementation, w.TaskID, w.Prompt)
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
		sig, err := runAgentPhase(ctx, "reviewer", signalbus.StageReview, w.TaskID, "Review the implementation.")
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		if sig.ResultCode == "critical" && ctx.Runtime.IterationCount("implement") < maxReviewIterations-1 {
			return workflow.RewindTo("implement"), nil
		}
		w.approved = sig.ResultCode != "critical"
		return workflow.Advance, nil

	case "approval":
		// Approval is a bookkeeping phase: the review verdict already
		// decided w.approved; this phase exists so the progress stream
		// carries an explicit "approval" boundary. It awaits no signal.
		return workflow.Advance, nil

	case "delta_context":
		_, err := runAgentPhase(ctx, "implementer", signalbus.StageDeltaContext, w.TaskID, "Summarize what changed for downstream context.")
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		return workflow.Advance, nil

	case "external_pipeline":
		// The pipeline itself is an external collaborator; the
		// workflow only forwards its configured name (the configured Args
		// are not passed on) and records whatever completion signal the
		// pipeline's wrapper reports back.
		sig, err := runAgentPhase(ctx, "pipeline", signalbus.StageFinalize, w.TaskID, fmt.Sprintf("Run pipeline %q", w.Pipeline.Name))
		if err != nil {
			return workflow.PhaseResult{}, err
		}
		w.pipelineResult = sig.ResultCode
		return workflow.Advance, nil

	case "finalize":
		w.Occupancy.ReleaseOccupancy(ctx.WorkflowID, []string{w.TaskID})
		if w.Registry != nil {
			_ = w.Registry.MarkStatus(w.TaskID, task.StatusCompleted, "")
		}
		return workflow.Advance, nil
	}
	return workflow.PhaseResult{}, workflow.WrapPermanent(fmt.Errorf("unknown phase %q", ctx.PhaseName))
}
