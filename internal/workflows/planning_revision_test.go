package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/apc/internal/task"
)

const revisionPlan = `- T1: build the login form
- T2: wire login form to auth service
  Depends: T1
- T3: add rate limiting middleware
  Depends: T2
- T4: write docs for the auth module
`

func TestMatchesGlobalKeyword(t *testing.T) {
	assert.True(t, matchesGlobalKeyword("Let's start over on the whole plan"))
	assert.True(t, matchesGlobalKeyword("REDO EVERYTHING please"))
	assert.False(t, matchesGlobalKeyword("just tweak the rate limiter task"))
}

func TestPlanningRevision_AffectedTaskIDsIncludesTransitiveDependents(t *testing.T) {
	reg := task.NewRegistry()
	parsed, err := reg.LoadFromPlan("s1", revisionPlan)
	require.NoError(t, err)
	require.Len(t, parsed, 4)

	t1ID := parsed[0].ID
	w := &PlanningRevision{Registry: reg, SessionID: "s1", RevisionText: "please revise " + t1ID}
	affected := w.affectedTaskIDs()

	// T1 is directly mentioned; T2 depends on T1; T3 depends on T2. T4 is
	// independent and must not be swept in.
	assert.Contains(t, affected, parsed[0].ID)
	assert.Contains(t, affected, parsed[1].ID)
	assert.Contains(t, affected, parsed[2].ID)
	assert.NotContains(t, affected, parsed[3].ID)
}

func TestPlanningRevision_PhasesInOrder(t *testing.T) {
	w := &PlanningRevision{}
	assert.Equal(t, []string{"analyze_impact", "planner", "review", "finalize"}, w.Phases())
}
