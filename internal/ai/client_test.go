package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/roster"
)

// fakeProvider replays a script of responses; a nil error entry returns the
// paired text.
type fakeProvider struct {
	mu     sync.Mutex
	script []scriptEntry
	calls  int
	last   Prompt
}

type scriptEntry struct {
	text string
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, p Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = p
	i := f.calls
	f.calls++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	e := f.script[i]
	return e.text, e.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastRetry(attempts int) fault.RetryConfig {
	return fault.RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
		RetryOn:     []fault.Category{fault.CategoryTransient, fault.CategoryIntegration},
	}
}

func newTestClient(t *testing.T, p Provider, retry fault.RetryConfig) *Client {
	t.Helper()
	breaker := fault.NewBreaker("ai:test", fault.DefaultBreaker(), nil)
	c, err := New(Config{Retry: retry, Timeout: time.Second}, p, breaker, nil)
	require.NoError(t, err)
	return c
}

func sampleTask() kanban.Task {
	return kanban.Task{
		ID:             "T1",
		Name:           "Build the API",
		Description:    "REST endpoints for the board",
		Status:         kanban.StatusTodo,
		Priority:       kanban.PriorityHigh,
		Labels:         []string{"api", "go"},
		EstimatedHours: 6,
	}
}

func sampleWorker() roster.WorkerStatus {
	return roster.WorkerStatus{
		AgentID: "dev-1",
		Name:    "Dev One",
		Role:    "backend",
		Skills:  []string{"go", "sql"},
	}
}

func TestTaskInstructionsRetriesTransientFailure(t *testing.T) {
	p := &fakeProvider{script: []scriptEntry{
		{err: fault.New(fault.ServiceUnavailable, "overloaded")},
		{text: "  step one\nstep two  "},
	}}
	c := newTestClient(t, p, fastRetry(3))

	out, err := c.TaskInstructions(context.Background(), sampleTask(), sampleWorker())
	require.NoError(t, err)
	require.Equal(t, "step one\nstep two", out)
	require.Equal(t, 2, p.callCount())
	require.Equal(t, KindInstructions, p.last.Kind)
	require.Contains(t, p.last.User, "Build the API")
	require.Contains(t, p.last.User, "Dev One")
}

func TestExhaustionSurfacesTaggedError(t *testing.T) {
	p := &fakeProvider{script: []scriptEntry{
		{err: fault.New(fault.ServiceUnavailable, "still down")},
	}}
	c := newTestClient(t, p, fastRetry(3))

	_, err := c.TaskInstructions(context.Background(), sampleTask(), sampleWorker())
	require.Error(t, err)
	require.Equal(t, 3, p.callCount())

	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.ExternalService, fe.Code)
	require.Contains(t, fe.Message, "3 attempts")
}

func TestAuthenticationFailureIsNotRetried(t *testing.T) {
	p := &fakeProvider{script: []scriptEntry{
		{err: fault.New(fault.Authentication, "bad key")},
	}}
	c := newTestClient(t, p, fastRetry(3))

	_, err := c.AnalyzeBlocker(context.Background(), sampleTask(), "stuck", "HIGH")
	require.Error(t, err)
	require.Equal(t, 1, p.callCount())

	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.Authentication, fe.Code)
}

func TestUntaggedProviderErrorGetsTagged(t *testing.T) {
	p := &fakeProvider{script: []scriptEntry{
		{err: errors.New("socket closed")},
	}}
	c := newTestClient(t, p, fastRetry(1))

	_, err := c.TaskInstructions(context.Background(), sampleTask(), sampleWorker())
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.AIProvider, fe.Code)
	require.Equal(t, "ai:fake", fe.Context.Integration)
	require.Equal(t, "generate_task_instructions", fe.Context.Operation)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	p := &fakeProvider{script: []scriptEntry{
		{err: fault.New(fault.ServiceUnavailable, "down")},
	}}
	breaker := fault.NewBreaker("ai:fake", fault.BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		MonitorWindow:    time.Minute,
	}, nil)
	c, err := New(Config{Retry: fastRetry(1), Timeout: time.Second}, p, breaker, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.TaskInstructions(context.Background(), sampleTask(), sampleWorker())
		require.Error(t, err)
	}
	require.Equal(t, 2, p.callCount())

	// Third call fast-fails without reaching the provider.
	_, err = c.TaskInstructions(context.Background(), sampleTask(), sampleWorker())
	require.Error(t, err)
	require.Equal(t, 2, p.callCount())

	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, "circuit_breaker_open", fe.Context.Operation)
	require.False(t, fe.Retryable)
}

func TestBlockerSuggestionsSplitsBullets(t *testing.T) {
	p := &fakeProvider{script: []scriptEntry{
		{text: "- check the logs\n* bump the timeout\n\n3. escalate to the lead\nplain closing advice"},
	}}
	c := newTestClient(t, p, fastRetry(1))

	got, err := c.BlockerSuggestions(context.Background(), sampleTask(), "stuck on migrations", "MEDIUM")
	require.NoError(t, err)
	require.Equal(t, []string{
		"check the logs",
		"bump the timeout",
		"escalate to the lead",
		"plain closing advice",
	}, got)
	require.Equal(t, KindBlocker, p.last.Kind)
	require.Contains(t, p.last.User, "stuck on migrations")
}

func TestExpandProjectThroughSim(t *testing.T) {
	c := newTestClient(t, NewSim(), fastRetry(1))

	exp, err := c.ExpandProject(context.Background(), "billing service", "invoices and reminders", nil)
	require.NoError(t, err)
	require.NotEmpty(t, exp.Summary)
	require.GreaterOrEqual(t, len(exp.Tasks), 3)
	require.LessOrEqual(t, len(exp.Tasks), 8)

	// The batch is internally consistent: validated names and dependencies.
	names := map[string]bool{}
	for _, task := range exp.Tasks {
		require.NotEmpty(t, task.Name)
		names[task.Name] = true
	}
	for _, task := range exp.Tasks {
		for _, dep := range task.Dependencies {
			require.True(t, names[dep], "dependency %q outside batch", dep)
		}
	}
}

func TestExpandProjectUnknownTemplate(t *testing.T) {
	c := newTestClient(t, NewSim(), fastRetry(1))

	_, err := c.ExpandProject(context.Background(), "x", "y", map[string]any{"template": "waterfall"})
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.Validation, fe.Code)
	require.Contains(t, fe.Message, "waterfall")
}

func TestExpandProjectFeatureTemplate(t *testing.T) {
	p := &fakeProvider{script: []scriptEntry{
		{text: `{"tasks": [{"name": "Wire the webhook"}], "summary": "small"}`},
	}}
	c := newTestClient(t, p, fastRetry(1))

	_, err := c.ExpandProject(context.Background(), "billing", "webhook for refunds",
		map[string]any{"template": "feature"})
	require.NoError(t, err)
	require.Equal(t, KindExpansion, p.last.Kind)
	require.Contains(t, p.last.User, "additive kanban tasks")
	require.Contains(t, p.last.User, "webhook for refunds")
}

func TestExpandProjectUnusableResponse(t *testing.T) {
	p := &fakeProvider{script: []scriptEntry{
		{text: "I cannot produce a plan right now."},
	}}
	c := newTestClient(t, p, fastRetry(1))

	_, err := c.ExpandProject(context.Background(), "x", "y", nil)
	fe, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.AIProvider, fe.Code)
	require.False(t, fe.Retryable)
	require.ErrorIs(t, fe.Cause, ErrNoJSON)
}

func TestExpandProjectHonorsMaxTasksOption(t *testing.T) {
	batch := `{"tasks": [
		{"name": "A"},
		{"name": "B", "dependencies": ["A"]},
		{"name": "C", "dependencies": ["B"]},
		{"name": "D", "dependencies": ["C"]}
	], "summary": "chain"}`
	p := &fakeProvider{script: []scriptEntry{{text: batch}}}
	c := newTestClient(t, p, fastRetry(1))

	exp, err := c.ExpandProject(context.Background(), "x", "y", map[string]any{"max_tasks": 2})
	require.NoError(t, err)
	require.Len(t, exp.Tasks, 2)
	require.Equal(t, []string{"A"}, exp.Tasks[1].Dependencies)

	// The prompt told the model about the cap too.
	require.Contains(t, p.last.User, "at most 2 tasks")
}

func TestExpandProjectMaxTasksOptionAsJSONNumber(t *testing.T) {
	p := &fakeProvider{script: []scriptEntry{
		{text: `{"tasks": [{"name": "only"}], "summary": "s"}`},
	}}
	c := newTestClient(t, p, fastRetry(1))

	// Tool arguments decode numbers as float64.
	_, err := c.ExpandProject(context.Background(), "x", "y", map[string]any{"max_tasks": float64(3)})
	require.NoError(t, err)
	require.Contains(t, p.last.User, "at most 3 tasks")
}
