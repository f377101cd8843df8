package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/kanban/boardtest"
	"github.com/marcushq/marcus/internal/ledger"
	"github.com/marcushq/marcus/internal/roster"
)

var testStart = time.Date(2026, 3, 14, 10, 30, 30, 0, time.UTC)

type testEnv struct {
	manager  *Manager
	board    *boardtest.Board
	ledger   *ledger.Ledger
	registry *roster.Registry
	clk      *clock.Fake
	advisor  *fakeAdvisor
}

type fakeAdvisor struct {
	suggestions []string
	err         error
	calls       int
}

func (f *fakeAdvisor) BlockerSuggestions(ctx context.Context, task kanban.Task, description, severity string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.suggestions, nil
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "assignments.json"))
	require.NoError(t, err)
	board := boardtest.New()
	reg := roster.New()
	clk := clock.NewFake(testStart)
	advisor := &fakeAdvisor{}
	return &testEnv{
		manager:  New(board, led, reg, advisor, clk),
		board:    board,
		ledger:   led,
		registry: reg,
		clk:      clk,
		advisor:  advisor,
	}
}

// seedAssignment wires an in-progress task to a registered agent the way
// the assignment engine would have left it.
func (env *testEnv) seedAssignment(t *testing.T, agentID, taskID string, estimatedHours float64) {
	t.Helper()
	_, err := env.registry.Register(agentID, agentID, "dev", nil, 1)
	require.NoError(t, err)
	env.board.SetTask(kanban.Task{
		ID:             taskID,
		Name:           "task " + taskID,
		Status:         kanban.StatusInProgress,
		Priority:       kanban.PriorityMedium,
		AssignedTo:     agentID,
		EstimatedHours: estimatedHours,
		CreatedAt:      testStart.Add(-time.Hour),
	})
	require.NoError(t, env.ledger.Add(agentID, ledger.Assignment{
		TaskID:             taskID,
		AssignedAt:         testStart,
		StatusAtAssignment: kanban.StatusTodo,
	}))
	require.NoError(t, env.registry.AddTask(agentID, taskID))
}

func TestProgressThenCompleted(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 2)
	ctx := context.Background()

	env.clk.Advance(30 * time.Minute)
	err := env.manager.ReportProgress(ctx, Progress{
		AgentID: "dev-1", TaskID: "T1",
		Status: StatusInProgress, Percent: 50, Message: "halfway",
	})
	require.NoError(t, err)

	task, _ := env.board.Task("T1")
	require.Equal(t, kanban.StatusInProgress, task.Status)
	require.Equal(t, []string{"progress: 50% - halfway"}, env.board.Comments("T1"))

	rec, ok := env.ledger.Get("dev-1")
	require.True(t, ok)
	require.Equal(t, testStart.Add(30*time.Minute), rec.LastHeartbeat)

	env.clk.Advance(90 * time.Minute)
	err = env.manager.ReportProgress(ctx, Progress{
		AgentID: "dev-1", TaskID: "T1",
		Status: StatusCompleted, Percent: 100, Message: "all tests green",
	})
	require.NoError(t, err)

	task, _ = env.board.Task("T1")
	require.Equal(t, kanban.StatusDone, task.Status)
	require.Equal(t, "", task.AssignedTo)
	require.Contains(t, env.board.Comments("T1"), "completed: all tests green")

	_, ok = env.ledger.Get("dev-1")
	require.False(t, ok)

	worker, _ := env.registry.Get("dev-1")
	require.Equal(t, 1, worker.CompletedCount)
	require.Empty(t, worker.CurrentTasks)
	require.Equal(t, 2*time.Hour, env.registry.AverageTaskTime("dev-1"))
}

func TestProgressUnregisteredAgent(t *testing.T) {
	env := newEnv(t)

	err := env.manager.ReportProgress(context.Background(), Progress{
		AgentID: "ghost", TaskID: "T1", Status: StatusInProgress, Percent: 10,
	})
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.WorkflowViolation, fe.Code)
}

func TestProgressWrongTask(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)

	err := env.manager.ReportProgress(context.Background(), Progress{
		AgentID: "dev-1", TaskID: "T2", Status: StatusInProgress, Percent: 10,
	})
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.TaskAssignment, fe.Code)
	require.Contains(t, fe.Message, "T1")
}

func TestProgressValidation(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)
	ctx := context.Background()

	for _, percent := range []int{-1, 101} {
		err := env.manager.ReportProgress(ctx, Progress{
			AgentID: "dev-1", TaskID: "T1", Status: StatusInProgress, Percent: percent,
		})
		fe, ok := fault.As(err)
		require.True(t, ok)
		require.Equal(t, fault.Validation, fe.Code)
	}

	err := env.manager.ReportProgress(ctx, Progress{
		AgentID: "dev-1", TaskID: "T1", Status: "paused", Percent: 10,
	})
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.Validation, fe.Code)
}

func TestBlockedThenResume(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)
	ctx := context.Background()

	err := env.manager.ReportProgress(ctx, Progress{
		AgentID: "dev-1", TaskID: "T1", Status: StatusBlocked, Percent: 40,
		Message: "waiting on credentials",
	})
	require.NoError(t, err)

	task, _ := env.board.Task("T1")
	require.Equal(t, kanban.StatusBlocked, task.Status)
	require.Equal(t, []string{"blocker: waiting on credentials"}, env.board.Comments("T1"))

	err = env.manager.ReportProgress(ctx, Progress{
		AgentID: "dev-1", TaskID: "T1", Status: StatusInProgress, Percent: 45,
		Message: "unblocked",
	})
	require.NoError(t, err)

	task, _ = env.board.Task("T1")
	require.Equal(t, kanban.StatusInProgress, task.Status)
}

func TestCompletedFromBlockedRejected(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)
	ctx := context.Background()

	require.NoError(t, env.manager.ReportProgress(ctx, Progress{
		AgentID: "dev-1", TaskID: "T1", Status: StatusBlocked, Percent: 40, Message: "stuck",
	}))

	err := env.manager.ReportProgress(ctx, Progress{
		AgentID: "dev-1", TaskID: "T1", Status: StatusCompleted, Percent: 100,
	})
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.WorkflowViolation, fe.Code)

	// Nothing moved: the task stays blocked and the assignment stands.
	task, _ := env.board.Task("T1")
	require.Equal(t, kanban.StatusBlocked, task.Status)
	require.Equal(t, 1, env.ledger.Len())
}

func TestRepeatedCompletionRejected(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)
	ctx := context.Background()

	require.NoError(t, env.manager.ReportProgress(ctx, Progress{
		AgentID: "dev-1", TaskID: "T1", Status: StatusCompleted, Percent: 100,
	}))

	// The ledger entry is gone, so the second report fails ownership.
	err := env.manager.ReportProgress(ctx, Progress{
		AgentID: "dev-1", TaskID: "T1", Status: StatusCompleted, Percent: 100,
	})
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.TaskAssignment, fe.Code)
}

func TestReportBlockerWithSuggestions(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)
	env.advisor.suggestions = []string{"rotate the API key", "retry with backoff"}

	suggestions, err := env.manager.ReportBlocker(context.Background(),
		"dev-1", "T1", "external API rejects auth", "high")
	require.NoError(t, err)
	require.Equal(t, env.advisor.suggestions, suggestions)
	require.Equal(t, 1, env.advisor.calls)

	task, _ := env.board.Task("T1")
	require.Equal(t, kanban.StatusBlocked, task.Status)

	comments := env.board.Comments("T1")
	require.Len(t, comments, 2)
	require.Equal(t, "blocker: external API rejects auth", comments[0])
	require.Contains(t, comments[1], "blocker (HIGH): external API rejects auth")
	require.Contains(t, comments[1], "- rotate the API key")
	require.Contains(t, comments[1], "- retry with backoff")
}

func TestReportBlockerAdvisorFailureSwallowed(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)
	env.advisor.err = errors.New("model timeout")

	suggestions, err := env.manager.ReportBlocker(context.Background(),
		"dev-1", "T1", "disk full on runner", "HIGH")
	require.NoError(t, err)
	require.Nil(t, suggestions)

	task, _ := env.board.Task("T1")
	require.Equal(t, kanban.StatusBlocked, task.Status)

	comments := env.board.Comments("T1")
	require.Contains(t, comments[1], "blocker (HIGH): disk full on runner")
	require.NotContains(t, comments[1], "suggestions:")
}

func TestReportBlockerSeverity(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)
	ctx := context.Background()

	_, err := env.manager.ReportBlocker(ctx, "dev-1", "T1", "stuck", "catastrophic")
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.Validation, fe.Code)

	// Empty severity defaults to MEDIUM.
	_, err = env.manager.ReportBlocker(ctx, "dev-1", "T1", "stuck", "")
	require.NoError(t, err)
	comments := env.board.Comments("T1")
	require.Contains(t, comments[len(comments)-1], "blocker (MEDIUM): stuck")
}

func TestRelease(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)

	require.NoError(t, env.manager.Release(context.Background(), "dev-1"))

	task, _ := env.board.Task("T1")
	require.Equal(t, kanban.StatusTodo, task.Status)
	require.Equal(t, "", task.AssignedTo)
	require.Equal(t, 0, env.ledger.Len())

	worker, _ := env.registry.Get("dev-1")
	require.Empty(t, worker.CurrentTasks)
	require.Equal(t, 0, worker.CompletedCount)
}

func TestReleaseWithoutAssignment(t *testing.T) {
	env := newEnv(t)

	err := env.manager.Release(context.Background(), "dev-1")
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.TaskAssignment, fe.Code)
}

func TestBoardFailurePreservesLedger(t *testing.T) {
	env := newEnv(t)
	env.seedAssignment(t, "dev-1", "T1", 0)
	env.board.FailNext(boardtest.MethodUpdateTask, errors.New("board down"))

	err := env.manager.ReportProgress(context.Background(), Progress{
		AgentID: "dev-1", TaskID: "T1", Status: StatusCompleted, Percent: 100,
	})
	require.Error(t, err)

	// The assignment survives so the agent can retry the report.
	require.Equal(t, 1, env.ledger.Len())
	worker, _ := env.registry.Get("dev-1")
	require.Equal(t, 0, worker.CompletedCount)
}
