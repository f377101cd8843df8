package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/log"
	"github.com/marcushq/marcus/internal/monitor"
	"github.com/marcushq/marcus/internal/roster"
	"github.com/marcushq/marcus/internal/tracing"
)

// DefaultCallTimeout bounds each model call.
const DefaultCallTimeout = 60 * time.Second

// DefaultMaxTokens is the expansion completion budget. Instructions and
// blocker prompts use smaller fixed budgets.
const DefaultMaxTokens = 4096

const (
	instructionsMaxTokens = 1024
	blockerMaxTokens      = 1024
)

// Config tunes the client's call discipline.
type Config struct {
	Retry     fault.RetryConfig
	Timeout   time.Duration
	MaxTokens int
}

// DefaultClientConfig returns the standard tuning.
func DefaultClientConfig() Config {
	return Config{
		Retry:     fault.DefaultRetry(),
		Timeout:   DefaultCallTimeout,
		MaxTokens: DefaultMaxTokens,
	}
}

// Client implements Adapter on top of a Provider with the full call
// discipline: per-call timeout, tagging, circuit breaker, retry, and
// error-monitor feed. It satisfies the assign and lifecycle advisor
// contracts.
type Client struct {
	provider  Provider
	breaker   *fault.Breaker
	cfg       Config
	mon       *monitor.Monitor
	tracer    trace.Tracer
	templates map[string]Template
	integ     string
}

// New builds the client. The breaker should be named "ai:{provider}"; mon
// may be nil in tests. The error is reserved for a broken template set.
func New(cfg Config, provider Provider, breaker *fault.Breaker, mon *monitor.Monitor) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fault.DefaultRetry()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	templates, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"default", "feature"} {
		if _, ok := templates[name]; !ok {
			return nil, fmt.Errorf("ai: embedded template %q missing", name)
		}
	}
	return &Client{
		provider:  provider,
		breaker:   breaker,
		cfg:       cfg,
		mon:       mon,
		tracer:    otel.Tracer("marcus/ai"),
		templates: templates,
		integ:     "ai:" + provider.Name(),
	}, nil
}

// ProviderName identifies the underlying provider.
func (c *Client) ProviderName() string { return c.provider.Name() }

// complete composes retry around breaker around the timed call, recording
// the final failure. The span covers all attempts of one logical call.
func (c *Client) complete(ctx context.Context, op string, p Prompt) (string, error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanPrefixAI+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(tracing.AttrAIProvider, c.provider.Name())))
	defer span.End()

	out, err := fault.RetryValue(ctx, c.cfg.Retry, op, func(ctx context.Context) (string, error) {
		return fault.ExecuteValue(c.breaker, ctx, func(ctx context.Context) (string, error) {
			cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
			text, err := c.provider.Complete(cctx, p)
			if err != nil {
				return "", c.tag(op, err)
			}
			return text, nil
		})
	})
	if err != nil {
		if c.mon != nil {
			c.mon.Record(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if fe, ok := fault.As(err); ok {
			span.SetAttributes(
				attribute.String(tracing.AttrErrorCode, string(fe.Code)),
				attribute.String(tracing.AttrErrorCategory, string(fe.Category)))
		}
		log.Warn(log.CatAI, "model call failed", "op", op, "provider", c.provider.Name(), "error", err)
		return out, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// tag converts provider errors into the taxonomy.
func (c *Client) tag(op string, err error) *fault.Error {
	if fe, ok := fault.As(err); ok {
		if fe.Context.Integration == "" {
			fe.Context.Integration = c.integ
		}
		if fe.Context.Operation == "" {
			fe.Context.Operation = op
		}
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.NetworkTimeout, "model call timed out",
			fault.WithCause(err), fault.WithOperation(op), fault.WithIntegration(c.integ))
	}
	return fault.AI(err.Error(),
		fault.WithCause(err), fault.WithOperation(op), fault.WithIntegration(c.integ))
}

// TaskInstructions drafts working instructions for a fresh assignment.
// Callers treat failures as non-fatal.
func (c *Client) TaskInstructions(ctx context.Context, task kanban.Task, agent roster.WorkerStatus) (string, error) {
	p := Prompt{
		Kind:      KindInstructions,
		System:    instructionsSystem,
		User:      instructionsPrompt(task, agent),
		MaxTokens: instructionsMaxTokens,
	}
	out, err := c.complete(ctx, "generate_task_instructions", p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AnalyzeBlocker narrates a way past a reported blocker. Callers treat
// failures as non-fatal.
func (c *Client) AnalyzeBlocker(ctx context.Context, task kanban.Task, description, severity string) (string, error) {
	p := Prompt{
		Kind:      KindBlocker,
		System:    blockerSystem,
		User:      blockerPrompt(task, description, severity),
		MaxTokens: blockerMaxTokens,
	}
	out, err := c.complete(ctx, "analyze_blocker", p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BlockerSuggestions is AnalyzeBlocker split into individual suggestions,
// one per bullet or line.
func (c *Client) BlockerSuggestions(ctx context.Context, task kanban.Task, description, severity string) ([]string, error) {
	text, err := c.AnalyzeBlocker(ctx, task, description, severity)
	if err != nil {
		return nil, err
	}
	return splitSuggestions(text), nil
}

// ExpandProject turns a project brief into a validated task batch. Unlike
// the advisory calls, failures here are fatal to the caller.
func (c *Client) ExpandProject(ctx context.Context, name, description string, options map[string]any) (Expansion, error) {
	tplName := "default"
	if v, ok := options["template"].(string); ok && v != "" {
		tplName = v
	}
	tpl, ok := c.templates[tplName]
	if !ok {
		return Expansion{}, fault.Invalid(
			fmt.Sprintf("unknown expansion template %q", tplName),
			fault.WithOperation("expand_project"),
			fault.WithRemediation(&fault.Remediation{
				Immediate: "use one of the built-in templates: default, feature",
			}))
	}

	maxTasks := tpl.MaxTasks
	if v, ok := numberOption(options, "max_tasks"); ok && v > 0 && v < maxTasks {
		maxTasks = v
	}

	user, err := tpl.Render(TemplateData{
		ProjectName: name,
		Description: description,
		MaxTasks:    maxTasks,
	})
	if err != nil {
		return Expansion{}, fault.AI("expansion prompt render failed",
			fault.WithCause(err), fault.WithOperation("expand_project"), fault.WithRetryable(false))
	}

	out, err := c.complete(ctx, "expand_project", Prompt{
		Kind:      KindExpansion,
		System:    expansionSystem,
		User:      user,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return Expansion{}, err
	}

	exp, err := DecodeExpansion(out)
	if err != nil {
		return Expansion{}, fault.AI("expansion response is not usable",
			fault.WithCause(err),
			fault.WithOperation("expand_project"),
			fault.WithIntegration(c.integ),
			fault.WithRetryable(false),
			fault.WithRemediation(&fault.Remediation{
				Immediate: "re-run with a narrower description",
				Fallback:  "create the tasks manually on the board",
			}))
	}
	if len(exp.Tasks) > maxTasks {
		log.Warn(log.CatAI, "expansion over budget, truncating",
			"template", tplName, "got", len(exp.Tasks), "max", maxTasks)
		exp.truncate(maxTasks)
	}
	return exp, nil
}

// numberOption reads an int-ish option, tolerating the float64 that JSON
// decoding produces.
func numberOption(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// splitSuggestions breaks advisory text into clean suggestion lines,
// stripping bullet and numbering prefixes.
func splitSuggestions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		for i := 1; i <= 9; i++ {
			line = strings.TrimPrefix(line, fmt.Sprintf("%d. ", i))
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

const instructionsSystem = `You coach autonomous software agents working from a kanban board.
Write practical instructions for the task you are given: concrete steps,
what done looks like, and what to verify. Keep it under 200 words. Plain
text only.`

const blockerSystem = `You help unblock autonomous software agents. Given a blocked task,
respond with 3 to 5 specific suggestions, one per line, each starting
with "- ". Plain text only.`

const expansionSystem = `You are a project planner for a team of autonomous software agents.
You respond with exactly one JSON structure and no other text.`

func instructionsPrompt(task kanban.Task, agent roster.WorkerStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	if task.EstimatedHours > 0 {
		fmt.Fprintf(&b, "Estimate: %.1f hours\n", task.EstimatedHours)
	}
	if len(task.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(task.Labels, ", "))
	}
	fmt.Fprintf(&b, "\nAssigned agent: %s (%s)\n", agent.Name, agent.Role)
	if len(agent.Skills) > 0 {
		fmt.Fprintf(&b, "Agent skills: %s\n", strings.Join(agent.Skills, ", "))
	}
	b.WriteString("\nWrite the working instructions.")
	return b.String()
}

func blockerPrompt(task kanban.Task, description, severity string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "Severity: %s\n", severity)
	fmt.Fprintf(&b, "Reported blocker: %s\n", description)
	b.WriteString("\nSuggest how to get unblocked.")
	return b.String()
}
