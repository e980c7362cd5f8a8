package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanningNew_PhasesInOrder(t *testing.T) {
	w := &PlanningNew{SessionPrompt: "build a widget"}
	assert.Equal(t, []string{"planner", "analysts", "finalize"}, w.Phases())
}

func TestAnyCritical_TrueWhenOneAnalystFlagsCritical(t *testing.T) {
	verdicts := []AnalystVerdict{
		{Analyst: "analyst-1", Result: "pass"},
		{Analyst: "analyst-2", Result: "critical"},
		{Analyst: "analyst-3", Result: "minor"},
	}
	assert.True(t, anyCritical(verdicts))
}

func TestAnyCritical_FalseWhenNoneCritical(t *testing.T) {
	verdicts := []AnalystVerdict{{Result: "pass"}, {Result: "minor"}}
	assert.False(t, anyCritical(verdicts))
}

func TestPlanningNew_PlannerPromptIncludesCriticalFindingsOnRevision(t *testing.T) {
	w := &PlanningNew{SessionPrompt: "initial request"}
	assert.Equal(t, "initial request", w.plannerPrompt(nil))

	w.lastRound = []AnalystVerdict{
		{Analyst: "analyst-2", Result: "critical", Issues: []string{"missing auth check"}},
		{Analyst: "analyst-1", Result: "pass"},
	}
	prompt := w.plannerPrompt(nil)
	assert.Contains(t, prompt, "analyst-2")
	assert.Contains(t, prompt, "missing auth check")
	assert.NotContains(t, prompt, "initial request")
}
