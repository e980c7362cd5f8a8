package workflows

import (
	"fmt"

	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/workflow"
)

// ContextGatheringOutput is the terminal output of the Context gathering
// workflow type.
type ContextGatheringOutput struct {
	BriefPath string
}

// ContextGathering implements the single-phase data-producing workflow
// type: it writes a context brief file to a known path.
type ContextGathering struct {
	Prompt string

	briefPath string
}

func (w *ContextGathering) Phases() []string { return []string{"context"} }

func (w *ContextGathering) Output() interface{} { return ContextGatheringOutput{BriefPath: w.briefPath} }

func (w *ContextGathering) Execute(ctx *workflow.PhaseContext) (workflow.PhaseResult, error) {
	if ctx.PhaseName != "context" {
		return workflow.PhaseResult{}, workflow.WrapPermanent(fmt.Errorf("unknown phase %q", ctx.PhaseName))
	}
	sig, err := runAgentPhase(ctx, "context-gatherer", signalbus.StageContext, "", w.Prompt)
	if err != nil {
		return workflow.PhaseResult{}, err
	}
	if path, ok := stringField(sig.Payload, "briefPath"); ok {
		w.briefPath = path
	}
	return workflow.Advance, nil
}
