package kanban_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/kanban/boardtest"
	"github.com/marcushq/marcus/internal/monitor"
)

func fastGuardConfig() kanban.GuardConfig {
	return kanban.GuardConfig{
		Retry: fault.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2.0,
			RetryOn:     []fault.Category{fault.CategoryTransient, fault.CategoryIntegration},
		},
		Timeout: time.Second,
	}
}

func testBreaker(name string) *fault.Breaker {
	return fault.NewBreaker(name, fault.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
		MonitorWindow:    time.Second,
	}, nil)
}

func todoTask(id string) kanban.Task {
	return kanban.Task{ID: id, Name: id, Status: kanban.StatusTodo, Priority: kanban.PriorityMedium, CreatedAt: time.Now()}
}

func TestGuardedRecoversFromTransientFailures(t *testing.T) {
	board := boardtest.New(todoTask("T1"))
	board.FailNext(boardtest.MethodAvailableTasks,
		fault.New(fault.NetworkTimeout, "timeout"),
		fault.New(fault.NetworkTimeout, "timeout"),
	)
	g := kanban.Guard(board, testBreaker("kanban:test"), fastGuardConfig(), nil)

	tasks, err := g.AvailableTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, 3, board.Calls(boardtest.MethodAvailableTasks), "two failures then success")
}

func TestGuardedExhaustionRecordsAndTags(t *testing.T) {
	board := boardtest.New()
	board.FailNext(boardtest.MethodAvailableTasks,
		fault.New(fault.NetworkTimeout, "t1"),
		fault.New(fault.NetworkTimeout, "t2"),
		fault.New(fault.NetworkTimeout, "t3"),
	)
	mon := monitor.New(monitor.DefaultConfig(), clock.Real())
	g := kanban.Guard(board, testBreaker("kanban:test"), fastGuardConfig(), mon)

	_, err := g.AvailableTasks(context.Background())
	require.Error(t, err)
	require.Equal(t, 3, board.Calls(boardtest.MethodAvailableTasks))

	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.ExternalService, fe.Code)
	require.Equal(t, 1, mon.Health().TotalErrors, "only the final error feeds the monitor")
}

func TestGuardedTagsForeignErrors(t *testing.T) {
	board := boardtest.New(todoTask("T1"))
	board.FailNext(boardtest.MethodUpdateTask, errors.New("backend hiccup"))
	g := kanban.Guard(board, testBreaker("kanban:test"), fastGuardConfig(), nil)

	err := g.UpdateTask(context.Background(), "T1", kanban.TaskUpdate{Status: kanban.StatusPtr(kanban.StatusInProgress)})
	require.NoError(t, err, "tagged as retryable integration error and retried to success")
	require.Equal(t, 2, board.Calls(boardtest.MethodUpdateTask))
}

func TestGuardedNotFoundIsNotRetried(t *testing.T) {
	board := boardtest.New()
	g := kanban.Guard(board, testBreaker("kanban:test"), fastGuardConfig(), nil)

	_, err := g.TaskByID(context.Background(), "missing")
	require.ErrorIs(t, err, kanban.ErrNotFound)
	require.Equal(t, 1, board.Calls(boardtest.MethodTaskByID))

	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.KanbanIntegration, fe.Code)
	require.False(t, fe.Retryable)
	require.Equal(t, "kanban:test", fe.Context.Integration)
}

func TestGuardedBreakerFastFails(t *testing.T) {
	board := boardtest.New()
	cfg := fastGuardConfig()
	cfg.Retry.MaxAttempts = 1
	g := kanban.Guard(board, testBreaker("kanban:test"), cfg, nil)

	for i := 0; i < 5; i++ {
		board.FailNext(boardtest.MethodBoardSummary, fault.New(fault.ServiceUnavailable, "down"))
		_, err := g.BoardSummary(context.Background())
		require.Error(t, err)
	}
	before := board.Calls(boardtest.MethodBoardSummary)

	_, err := g.BoardSummary(context.Background())
	require.Error(t, err)
	fe, _ := fault.As(err)
	require.Equal(t, "circuit_breaker_open", fe.Context.Operation)
	require.Equal(t, before, board.Calls(boardtest.MethodBoardSummary), "open breaker never reaches the board")
}

func TestGuardedUpdateFlowsThrough(t *testing.T) {
	board := boardtest.New(todoTask("T1"))
	g := kanban.Guard(board, testBreaker("kanban:test"), fastGuardConfig(), nil)
	ctx := context.Background()

	require.NoError(t, g.Connect(ctx))
	require.True(t, board.Connected())

	err := g.UpdateTask(ctx, "T1", kanban.TaskUpdate{
		Status:     kanban.StatusPtr(kanban.StatusInProgress),
		AssignedTo: kanban.StringPtr("agent-1"),
	})
	require.NoError(t, err)
	require.NoError(t, g.AddComment(ctx, "T1", "assigned to agent-1"))

	got, err := g.TaskByID(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, kanban.StatusInProgress, got.Status)
	require.Equal(t, "agent-1", got.AssignedTo)
	require.Equal(t, []string{"assigned to agent-1"}, board.Comments("T1"))
}
