package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Sim answers offline with deterministic output: the same prompt always
// yields the same completion. It backs the `sim` config provider and the
// test suite.
type Sim struct{}

func NewSim() *Sim { return &Sim{} }

func (s *Sim) Name() string { return "sim" }

const simInstructionsText = `Work the task in small, reviewable steps:
1. Read the task description and note the acceptance criteria.
2. Sketch the change before touching code; list the files involved.
3. Implement in the smallest increments that keep the build green.
4. Verify against the acceptance criteria and report progress as you go.
Report a blocker early if a dependency or decision is missing.`

const simBlockerText = `- Re-read the task description for a constraint you may have missed
- Reproduce the failure in isolation before changing anything
- Check whether a dependency task is still unfinished
- Escalate with a minimal reproduction if still blocked`

// simStages is the fixed expansion skeleton; the description selects how
// many stages apply.
var simStages = []struct {
	name        string
	description string
	labels      []string
	hours       float64
	priority    string
}{
	{"Design the approach", "Agree the shape of the solution and record the decisions.", []string{"design"}, 4, "HIGH"},
	{"Implement the core", "Build the main functionality end to end behind a flag.", []string{"build"}, 8, "HIGH"},
	{"Write integration tests", "Cover the happy path and the failure modes.", []string{"test"}, 6, "MEDIUM"},
	{"Document the behavior", "Write usage and operational notes.", []string{"docs"}, 3, "MEDIUM"},
	{"Wire observability", "Add logging and health signals for the new paths.", []string{"ops"}, 3, "MEDIUM"},
	{"Harden error paths", "Exercise timeouts, retries, and partial failures.", []string{"test", "ops"}, 5, "MEDIUM"},
	{"Review and polish", "Address review feedback and tidy the edges.", []string{"review"}, 2, "LOW"},
	{"Prepare the release", "Cut the release notes and roll out.", []string{"release"}, 2, "LOW"},
}

// Complete switches on the prompt kind. Expansions derive their task count
// from the prompt so distinct briefs get distinct plans.
func (s *Sim) Complete(_ context.Context, p Prompt) (string, error) {
	switch p.Kind {
	case KindExpansion:
		return s.expansion(p.User)
	case KindBlocker:
		return simBlockerText, nil
	default:
		return simInstructionsText, nil
	}
}

// expansion emits 3 to 8 stages as the JSON the decoder expects. Every task
// after the first depends on its predecessor, giving callers a dependency
// chain to exercise.
func (s *Sim) expansion(prompt string) (string, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	count := 3 + int(h.Sum32()%6)

	exp := Expansion{
		Summary: fmt.Sprintf("simulated plan with %d tasks", count),
		Tasks:   make([]TaskDraft, 0, count),
	}
	for i := 0; i < count; i++ {
		stage := simStages[i]
		draft := TaskDraft{
			Name:           stage.name,
			Description:    stage.description,
			Labels:         stage.labels,
			EstimatedHours: stage.hours,
			Priority:       stage.priority,
		}
		if i > 0 {
			draft.Dependencies = []string{simStages[i-1].name}
		}
		exp.Tasks = append(exp.Tasks, draft)
	}

	out, err := json.Marshal(exp)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
