package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/kanban/boardtest"
	"github.com/marcushq/marcus/internal/ledger"
	"github.com/marcushq/marcus/internal/roster"
)

var testStart = time.Date(2026, 3, 14, 10, 30, 30, 0, time.UTC)

type testEnv struct {
	rec      *Reconciler
	board    *boardtest.Board
	ledger   *ledger.Ledger
	registry *roster.Registry
	clk      *clock.Fake
}

func newEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "assignments.json"))
	require.NoError(t, err)
	board := boardtest.New()
	reg := roster.New()
	clk := clock.NewFake(testStart)
	return &testEnv{
		rec:      New(cfg, board, led, reg, clk),
		board:    board,
		ledger:   led,
		registry: reg,
		clk:      clk,
	}
}

func (env *testEnv) seedAssignment(t *testing.T, agentID, taskID string) {
	t.Helper()
	_, err := env.registry.Register(agentID, agentID, "dev", nil, 1)
	require.NoError(t, err)
	env.board.SetTask(kanban.Task{
		ID:         taskID,
		Name:       "task " + taskID,
		Status:     kanban.StatusInProgress,
		Priority:   kanban.PriorityMedium,
		AssignedTo: agentID,
		CreatedAt:  testStart.Add(-time.Hour),
	})
	require.NoError(t, env.ledger.Add(agentID, ledger.Assignment{
		TaskID:     taskID,
		AssignedAt: env.clk.Now(),
	}))
	require.NoError(t, env.registry.AddTask(agentID, taskID))
}

func TestTickDropsExternallyCompletedTask(t *testing.T) {
	env := newEnv(t, Config{})
	env.seedAssignment(t, "dev-1", "T1")

	task, _ := env.board.Task("T1")
	task.Status = kanban.StatusDone
	env.board.SetTask(task)

	env.rec.Tick(context.Background())

	require.Equal(t, 0, env.ledger.Len())
	worker, _ := env.registry.Get("dev-1")
	require.Empty(t, worker.CurrentTasks)

	state := env.rec.State()
	require.Equal(t, Drifting, state.SyncState)
	require.Equal(t, 1, state.LastCorrections)
	require.Equal(t, 1, state.Ticks)
}

func TestTickDropsTaskReturnedToBacklog(t *testing.T) {
	env := newEnv(t, Config{})
	env.seedAssignment(t, "dev-1", "T1")

	task, _ := env.board.Task("T1")
	task.Status = kanban.StatusTodo
	task.AssignedTo = ""
	env.board.SetTask(task)

	env.rec.Tick(context.Background())
	require.Equal(t, 0, env.ledger.Len())
}

func TestTickDropsReassignedTask(t *testing.T) {
	env := newEnv(t, Config{})
	env.seedAssignment(t, "dev-1", "T1")

	task, _ := env.board.Task("T1")
	task.AssignedTo = "dev-2"
	env.board.SetTask(task)

	env.rec.Tick(context.Background())

	require.Equal(t, 0, env.ledger.Len())
	require.Equal(t, Drifting, env.rec.State().SyncState)
}

func TestTickDropsEntryForMissingTask(t *testing.T) {
	env := newEnv(t, Config{})
	_, err := env.registry.Register("dev-1", "dev-1", "dev", nil, 1)
	require.NoError(t, err)
	require.NoError(t, env.ledger.Add("dev-1", ledger.Assignment{
		TaskID:     "T-deleted",
		AssignedAt: env.clk.Now(),
	}))

	env.rec.Tick(context.Background())
	require.Equal(t, 0, env.ledger.Len())
}

func TestHealthyEntrySurvives(t *testing.T) {
	env := newEnv(t, Config{})
	env.seedAssignment(t, "dev-1", "T1")

	env.clk.Advance(5 * time.Minute)
	env.rec.Tick(context.Background())

	require.Equal(t, 1, env.ledger.Len())
	state := env.rec.State()
	require.Equal(t, InSync, state.SyncState)
	require.Equal(t, 0, state.LastCorrections)
}

func TestSilentAgentTaskBlocked(t *testing.T) {
	env := newEnv(t, Config{})
	env.seedAssignment(t, "dev-1", "T1")

	// No completion history, so the floor of 30 minutes applies.
	env.clk.Advance(31 * time.Minute)
	env.rec.Tick(context.Background())

	require.Equal(t, 0, env.ledger.Len())
	task, _ := env.board.Task("T1")
	require.Equal(t, kanban.StatusBlocked, task.Status)
	require.Equal(t, []string{"blocker: agent silent"}, env.board.Comments("T1"))

	worker, _ := env.registry.Get("dev-1")
	require.Empty(t, worker.CurrentTasks)
	require.Equal(t, Drifting, env.rec.State().SyncState)
}

func TestHeartbeatTimeoutScalesWithHistory(t *testing.T) {
	env := newEnv(t, Config{})
	// Average task time 4h gives a 8h silence budget.
	_, err := env.registry.Register("dev-1", "dev-1", "dev", nil, 1)
	require.NoError(t, err)
	require.NoError(t, env.registry.CompleteTask("dev-1", "T-old", 4*time.Hour, 0))

	env.seedAssignment(t, "dev-1", "T1")

	env.clk.Advance(7 * time.Hour)
	env.rec.Tick(context.Background())
	require.Equal(t, 1, env.ledger.Len(), "7h silent is within the 8h budget")

	env.clk.Advance(2 * time.Hour)
	env.rec.Tick(context.Background())
	require.Equal(t, 0, env.ledger.Len(), "9h silent exceeds the 8h budget")
}

func TestHeartbeatTimeoutCeiling(t *testing.T) {
	env := newEnv(t, Config{})
	// Average 20h would give 40h; the ceiling clamps it to 24h.
	_, err := env.registry.Register("dev-1", "dev-1", "dev", nil, 1)
	require.NoError(t, err)
	require.NoError(t, env.registry.CompleteTask("dev-1", "T-old", 20*time.Hour, 0))

	env.seedAssignment(t, "dev-1", "T1")

	env.clk.Advance(25 * time.Hour)
	env.rec.Tick(context.Background())
	require.Equal(t, 0, env.ledger.Len())
}

func TestBoardFailureMarksDegraded(t *testing.T) {
	env := newEnv(t, Config{})
	env.seedAssignment(t, "dev-1", "T1")
	env.board.FailNext(boardtest.MethodTaskByID, errors.New("board down"))

	env.rec.Tick(context.Background())

	require.Equal(t, 1, env.ledger.Len(), "entry is kept when the board cannot be read")
	state := env.rec.State()
	require.Equal(t, Degraded, state.SyncState)
	require.Equal(t, 1, state.LastFailures)

	// Next sweep recovers.
	env.rec.Tick(context.Background())
	require.Equal(t, InSync, env.rec.State().SyncState)
}

func TestRunSweepsOnTicker(t *testing.T) {
	env := newEnv(t, Config{Interval: time.Minute})
	env.seedAssignment(t, "dev-1", "T1")

	task, _ := env.board.Task("T1")
	task.Status = kanban.StatusDone
	env.board.SetTask(task)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.rec.Run(ctx)
		close(done)
	}()

	// Advance inside the poll: the loop may not have built its ticker yet.
	require.Eventually(t, func() bool {
		env.clk.Advance(time.Minute)
		return env.ledger.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop after cancellation")
	}
}
