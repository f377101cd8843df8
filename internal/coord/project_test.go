package coord

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/ai"
	"github.com/marcushq/marcus/internal/events"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/kanban/boardtest"
	"github.com/marcushq/marcus/internal/roster"
)

// stubAdapter serves a canned expansion so batch outcomes are exact.
type stubAdapter struct {
	exp       ai.Expansion
	expandErr error
}

func (s *stubAdapter) TaskInstructions(ctx context.Context, task kanban.Task, agent roster.WorkerStatus) (string, error) {
	return "work the task", nil
}

func (s *stubAdapter) AnalyzeBlocker(ctx context.Context, task kanban.Task, description, severity string) (string, error) {
	return "retrace the failing step", nil
}

func (s *stubAdapter) BlockerSuggestions(ctx context.Context, task kanban.Task, description, severity string) ([]string, error) {
	return []string{"retrace the failing step"}, nil
}

func (s *stubAdapter) ExpandProject(ctx context.Context, name, description string, options map[string]any) (ai.Expansion, error) {
	if s.expandErr != nil {
		return ai.Expansion{}, s.expandErr
	}
	return s.exp, nil
}

// threeDrafts is a fixed plan with a dependency fan: build needs design,
// test needs both.
func threeDrafts() ai.Expansion {
	return ai.Expansion{
		Summary: "three step plan",
		Tasks: []ai.TaskDraft{
			{Name: "design", Description: "sketch the approach", Priority: "HIGH", EstimatedHours: 4},
			{Name: "build", Dependencies: []string{"design"}, Priority: "HIGH", EstimatedHours: 8},
			{Name: "test", Dependencies: []string{"design", "build"}, EstimatedHours: 6},
		},
	}
}

func TestCreateProjectRewiresDependencies(t *testing.T) {
	env := newEnvAI(t, &stubAdapter{exp: threeDrafts()})

	out := env.callOK(t, "create_project", map[string]any{
		"project_name": "billing",
		"description":  "invoice generation with retries",
	})
	require.Equal(t, "billing", out["project"])
	require.Equal(t, "three step plan", out["summary"])

	tasks, ok := out["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 3)

	design, _ := env.board.Task("T001")
	require.Equal(t, "design", design.Name)
	require.Empty(t, design.Dependencies)
	require.Equal(t, kanban.PriorityHigh, design.Priority)

	build, _ := env.board.Task("T002")
	require.Equal(t, []string{"T001"}, build.Dependencies)

	tested, _ := env.board.Task("T003")
	require.Equal(t, []string{"T001", "T002"}, tested.Dependencies)
	// Drafts without a priority fall back to the board default.
	require.Equal(t, kanban.PriorityMedium, tested.Priority)

	batch := out["batch"].(map[string]any)
	summary := batch["summary"].(map[string]any)
	require.Equal(t, float64(3), summary["total"])
	require.Equal(t, float64(3), summary["successes"])

	ev := findEvent(t, env.eventsOnDisk(t), events.ProjectCreated)
	require.Equal(t, "billing", ev["project"])
	require.Equal(t, float64(3), ev["tasks_created"])
}

func TestCreateProjectValidation(t *testing.T) {
	env := newEnvAI(t, &stubAdapter{exp: threeDrafts()})

	errBody := env.callErr(t, "create_project", map[string]any{"description": "x"})
	require.Equal(t, string(fault.Validation), errBody["code"])
	require.Contains(t, errBody["message"], "project_name is required")

	errBody = env.callErr(t, "create_project", map[string]any{"project_name": "x"})
	require.Contains(t, errBody["message"], "description is required")
}

func TestCreateProjectUnknownTemplate(t *testing.T) {
	env := newEnv(t)
	errBody := env.callErr(t, "create_project", map[string]any{
		"project_name": "billing",
		"description":  "invoices",
		"options":      map[string]any{"template": "bogus"},
	})
	require.Equal(t, string(fault.Validation), errBody["code"])
	require.Contains(t, errBody["message"], "unknown expansion template")
}

func TestCreateProjectExpansionFailure(t *testing.T) {
	env := newEnvAI(t, &stubAdapter{
		expandErr: fault.AI("model returned garbage", fault.WithRetryable(false)),
	})

	errBody := env.callErr(t, "create_project", map[string]any{
		"project_name": "billing",
		"description":  "invoices",
	})
	require.Equal(t, string(fault.AIProvider), errBody["code"])
	require.Equal(t, 0, env.board.Calls(boardtest.MethodCreateTask))
	require.False(t, hasEvent(env.eventsOnDisk(t), events.ProjectCreated))
}

func TestCreateProjectPartialBoardFailure(t *testing.T) {
	env := newEnvAI(t, &stubAdapter{exp: threeDrafts()})
	env.board.FailNext(boardtest.MethodCreateTask, errors.New("board write refused"))

	out := env.callOK(t, "create_project", map[string]any{
		"project_name": "billing",
		"description":  "invoices",
	})

	tasks := out["tasks"].([]any)
	require.Len(t, tasks, 2)

	// "design" never landed, so "build" lost that edge and "test" keeps
	// only the surviving one.
	build, ok := env.board.Task("T001")
	require.True(t, ok)
	require.Equal(t, "build", build.Name)
	require.Empty(t, build.Dependencies)
	tested, _ := env.board.Task("T002")
	require.Equal(t, []string{"T001"}, tested.Dependencies)

	batch := out["batch"].(map[string]any)
	summary := batch["summary"].(map[string]any)
	require.Equal(t, float64(1), summary["errors"])
	require.Equal(t, float64(2), summary["successes"])
	batchErrors := batch["errors"].([]any)
	require.Len(t, batchErrors, 1)
	first := batchErrors[0].(map[string]any)["error"].(map[string]any)
	ctxMap := first["context"].(map[string]any)
	require.Equal(t, "design", ctxMap["item"])

	ev := findEvent(t, env.eventsOnDisk(t), events.ProjectCreated)
	require.Equal(t, float64(2), ev["tasks_created"])
	require.Equal(t, float64(1), ev["tasks_failed"])
}

func TestCreateProjectEveryCreateFails(t *testing.T) {
	env := newEnvAI(t, &stubAdapter{exp: threeDrafts()})
	boom := errors.New("board write refused")
	env.board.FailNext(boardtest.MethodCreateTask, boom, boom, boom)

	errBody := env.callErr(t, "create_project", map[string]any{
		"project_name": "billing",
		"description":  "invoices",
	})
	require.Equal(t, string(fault.KanbanIntegration), errBody["code"])
	require.False(t, hasEvent(env.eventsOnDisk(t), events.ProjectCreated))

	all, err := env.board.AllTasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestCreateProjectInvalidatesSnapshot(t *testing.T) {
	env := newEnv(t)

	before := env.callOK(t, "get_project_status", nil)
	require.Equal(t, float64(0), before["total"])

	out := env.callOK(t, "create_project", map[string]any{
		"project_name": "billing",
		"description":  "invoice generation with retries",
	})
	tasks := out["tasks"].([]any)
	require.GreaterOrEqual(t, len(tasks), 3)
	require.LessOrEqual(t, len(tasks), 8)

	// The rollup must reflect the new tasks immediately, TTL or not.
	after := env.callOK(t, "get_project_status", nil)
	require.Equal(t, float64(len(tasks)), after["total"])

	// The simulated plan chains each task to its predecessor; the board
	// must hold the minted ids, not the draft names.
	var prevID string
	for i, raw := range tasks {
		entry := raw.(map[string]any)
		id := entry["id"].(string)
		boardTask, ok := env.board.Task(id)
		require.True(t, ok)
		if i > 0 {
			require.Equal(t, []string{prevID}, boardTask.Dependencies)
		}
		prevID = id
	}
}

func TestAddFeature(t *testing.T) {
	env := newEnv(t)

	out := env.callOK(t, "add_feature", map[string]any{
		"feature_description": "export invoices as PDF",
		"integration_point":   "billing service",
	})
	tasks := out["tasks"].([]any)
	require.GreaterOrEqual(t, len(tasks), 3)
	require.LessOrEqual(t, len(tasks), 6)

	batch := out["batch"].(map[string]any)
	summary := batch["summary"].(map[string]any)
	require.Equal(t, float64(len(tasks)), summary["successes"])

	ev := findEvent(t, env.eventsOnDisk(t), events.FeatureAdded)
	require.Equal(t, "billing service", ev["integration_point"])
	require.Equal(t, float64(len(tasks)), ev["tasks_created"])
}

func TestAddFeatureValidation(t *testing.T) {
	env := newEnv(t)
	errBody := env.callErr(t, "add_feature", map[string]any{"integration_point": "billing"})
	require.Equal(t, string(fault.Validation), errBody["code"])
	require.Contains(t, errBody["message"], "feature_description is required")
}
