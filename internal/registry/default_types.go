package registry

import (
	"fmt"

	"github.com/aosanya/apc/internal/task"
	"github.com/aosanya/apc/internal/workflow"
	"github.com/aosanya/apc/internal/workflows"
)

// Workflow type names, used by the coordinator and CLI alike.
const (
	TypePlanningNew       = "planning_new"
	TypePlanningRevision  = "planning_revision"
	TypeTaskImplementation = "task_implementation"
	TypeErrorResolution   = "error_resolution"
	TypeContextGathering  = "context_gathering"
)

// RegisterDefaultTypes registers the five built-in workflow types.
// taskRegistry, conflicts and occupancy are threaded into the factories
// that need them (planning revision's impact analysis and conflict
// declaration; task implementation's pipeline lookup, status updates and
// occupancy); the rest build purely from config.
func RegisterDefaultTypes(r *Registry, taskRegistry *task.Registry, conflicts *task.ConflictTable, occupancy *task.OccupancyTable) {
	r.Register(TypeInfo{
		Name:        TypePlanningNew,
		DisplayName: "Planning (new)",
		Factory: func(config map[string]interface{}, _ *workflow.Services) (workflow.Impl, error) {
			prompt, _ := config["prompt"].(string)
			return &workflows.PlanningNew{SessionPrompt: prompt}, nil
		},
	})

	r.Register(TypeInfo{
		Name:        TypePlanningRevision,
		DisplayName: "Planning (revision)",
		Factory: func(config map[string]interface{}, svc *workflow.Services) (workflow.Impl, error) {
			text, _ := config["revisionText"].(string)
			sessionID, _ := config["sessionId"].(string)
			return &workflows.PlanningRevision{
				Registry:     taskRegistry,
				Conflicts:    conflicts,
				SessionID:    sessionID,
				RevisionText: text,
			}, nil
		},
	})

	r.Register(TypeInfo{
		Name:             TypeTaskImplementation,
		DisplayName:      "Task implementation",
		RequiresPipeline: true,
		Factory: func(config map[string]interface{}, _ *workflow.Services) (workflow.Impl, error) {
			taskID, _ := config["taskId"].(string)
			prompt, _ := config["prompt"].(string)
			if taskID == "" {
				return nil, fmt.Errorf("task_implementation requires a taskId")
			}
			var pipeline *task.PipelineConfig
			if t, err := taskRegistry.Get(taskID); err == nil {
				pipeline = t.Pipeline
			}
			return &workflows.TaskImplementation{
				Registry:  taskRegistry,
				Occupancy: occupancy,
				TaskID:    taskID,
				Pipeline:  pipeline,
				Prompt:    prompt,
			}, nil
		},
	})

	r.Register(TypeInfo{
		Name:        TypeErrorResolution,
		DisplayName: "Error resolution",
		Factory: func(config map[string]interface{}, _ *workflow.Services) (workflow.Impl, error) {
			taskID, _ := config["taskId"].(string)
			errs, _ := config["errors"].([]workflows.StructuredError)
			return &workflows.ErrorResolution{Errors: errs, TaskID: taskID}, nil
		},
	})

	r.Register(TypeInfo{
		Name:        TypeContextGathering,
		DisplayName: "Context gathering",
		Factory: func(config map[string]interface{}, _ *workflow.Services) (workflow.Impl, error) {
			prompt, _ := config["prompt"].(string)
			return &workflows.ContextGathering{Prompt: prompt}, nil
		},
	})
}
