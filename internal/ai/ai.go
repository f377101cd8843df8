// Package ai is the model-facing edge of the server. It turns tasks,
// blockers, and project briefs into prompts, runs them through a provider
// behind the standard call discipline (timeout, retry, breaker), and decodes
// what comes back. Providers are interchangeable: anthropic talks to the
// Messages API, sim answers offline with deterministic output.
package ai

import (
	"context"

	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/roster"
)

// Kind tells a provider which flow a prompt belongs to. Hosted providers
// ignore it; the sim provider switches on it.
type Kind string

const (
	KindInstructions Kind = "instructions"
	KindBlocker      Kind = "blocker"
	KindExpansion    Kind = "expansion"
)

// Prompt is one completion request.
type Prompt struct {
	Kind      Kind
	System    string
	User      string
	MaxTokens int
}

// Provider produces a completion for a prompt. Implementations tag their
// errors with the fault taxonomy so retry and breaker policy can act on them.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Adapter is the coordination server's view of the AI layer.
type Adapter interface {
	TaskInstructions(ctx context.Context, task kanban.Task, agent roster.WorkerStatus) (string, error)
	AnalyzeBlocker(ctx context.Context, task kanban.Task, description, severity string) (string, error)
	BlockerSuggestions(ctx context.Context, task kanban.Task, description, severity string) ([]string, error)
	ExpandProject(ctx context.Context, name, description string, options map[string]any) (Expansion, error)
}
