package fault

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithScope(t *testing.T) {
	ctx := WithScope(context.Background(), "request_next_task", ScopeAgent("agent-1"))
	s, ok := ScopeFrom(ctx)
	require.True(t, ok)
	require.Equal(t, "request_next_task", s.Operation)
	require.NotEmpty(t, s.OperationID)
	require.Equal(t, "agent-1", s.AgentID)
}

func TestNestedScopeInheritsIdentity(t *testing.T) {
	outer := WithScope(context.Background(), "report_progress", ScopeAgent("agent-2"), ScopeTask("TASK-3"))
	inner := WithScope(outer, "kanban_update")

	s, ok := ScopeFrom(inner)
	require.True(t, ok)
	require.Equal(t, "kanban_update", s.Operation)
	require.Equal(t, "agent-2", s.AgentID)
	require.Equal(t, "TASK-3", s.TaskID)

	os, _ := ScopeFrom(outer)
	require.NotEqual(t, os.OperationID, s.OperationID)
}

func TestCaptureEnrichesTaggedError(t *testing.T) {
	ctx := WithScope(context.Background(), "complete_task", ScopeAgent("agent-1"), ScopeTask("TASK-7"))

	var err error = New(KanbanIntegration, "move failed")
	Capture(ctx, &err)

	fe, ok := As(err)
	require.True(t, ok)
	require.Equal(t, "complete_task", fe.Context.Operation)
	require.NotEmpty(t, fe.Context.OperationID)
	require.Equal(t, "agent-1", fe.Context.AgentID)
	require.Equal(t, "TASK-7", fe.Context.TaskID)
}

func TestCapturePreservesExistingFields(t *testing.T) {
	ctx := WithScope(context.Background(), "outer_op", ScopeAgent("scope-agent"))

	var err error = New(Validation, "bad input", WithOperation("inner_op"), WithAgent("inner-agent"))
	Capture(ctx, &err)

	fe, _ := As(err)
	require.Equal(t, "inner_op", fe.Context.Operation)
	require.Equal(t, "inner-agent", fe.Context.AgentID)
}

func TestCaptureWrapsForeignError(t *testing.T) {
	ctx := WithScope(context.Background(), "report_blocker")

	var err error = errors.New("disk full")
	Capture(ctx, &err)

	fe, ok := As(err)
	require.True(t, ok)
	require.Equal(t, ExternalService, fe.Code)
	require.Equal(t, "report_blocker", fe.Context.Operation)
}

func TestCaptureNoScopeNoError(t *testing.T) {
	var err error
	Capture(context.Background(), &err)
	require.NoError(t, err)

	err = errors.New("plain")
	Capture(context.Background(), &err)
	_, ok := As(err)
	require.False(t, ok, "no scope means no wrapping")
}
