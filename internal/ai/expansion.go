package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskDraft is one task proposed by an expansion, before it exists on the
// board. Dependencies reference other draft names within the same batch.
type TaskDraft struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Labels         []string `json:"labels,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	EstimatedHours float64  `json:"estimated_hours,omitempty"`
	Priority       string   `json:"priority,omitempty"`
}

// Expansion is the decoded result of an expand_project call.
type Expansion struct {
	Tasks   []TaskDraft `json:"tasks"`
	Summary string      `json:"summary,omitempty"`
}

// knownPriorities are the values a draft may carry. Empty means the board
// default applies.
var knownPriorities = map[string]struct{}{
	"LOW": {}, "MEDIUM": {}, "HIGH": {}, "URGENT": {},
}

// DecodeExpansion extracts the JSON structure from a raw model response and
// validates it into an Expansion. A bare top-level array is accepted as the
// task list. Validation rejects empty batches, blank or duplicate task
// names, unknown priorities, and dependency references that point outside
// the batch.
func DecodeExpansion(raw string) (Expansion, error) {
	text, err := ExtractJSON(raw)
	if err != nil {
		return Expansion{}, err
	}

	var exp Expansion
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &exp.Tasks); err != nil {
			return Expansion{}, fmt.Errorf("ai: decoding task list: %w", err)
		}
	} else if err := json.Unmarshal([]byte(text), &exp); err != nil {
		return Expansion{}, fmt.Errorf("ai: decoding expansion: %w", err)
	}

	if len(exp.Tasks) == 0 {
		return Expansion{}, fmt.Errorf("ai: expansion contains no tasks")
	}

	names := make(map[string]struct{}, len(exp.Tasks))
	for i := range exp.Tasks {
		t := &exp.Tasks[i]
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return Expansion{}, fmt.Errorf("ai: task %d has no name", i)
		}
		if _, dup := names[t.Name]; dup {
			return Expansion{}, fmt.Errorf("ai: duplicate task name %q", t.Name)
		}
		names[t.Name] = struct{}{}

		t.Priority = strings.ToUpper(strings.TrimSpace(t.Priority))
		if t.Priority != "" {
			if _, ok := knownPriorities[t.Priority]; !ok {
				return Expansion{}, fmt.Errorf("ai: task %q has unknown priority %q", t.Name, t.Priority)
			}
		}
		if t.EstimatedHours < 0 {
			return Expansion{}, fmt.Errorf("ai: task %q has negative estimate", t.Name)
		}
	}

	for _, t := range exp.Tasks {
		for _, dep := range t.Dependencies {
			if dep == t.Name {
				return Expansion{}, fmt.Errorf("ai: task %q depends on itself", t.Name)
			}
			if _, ok := names[dep]; !ok {
				return Expansion{}, fmt.Errorf("ai: task %q depends on unknown task %q", t.Name, dep)
			}
		}
	}

	return exp, nil
}

// truncate caps the batch at max tasks and drops dependency references to
// anything cut off, keeping the batch self-contained.
func (e *Expansion) truncate(max int) {
	if max <= 0 || len(e.Tasks) <= max {
		return
	}
	e.Tasks = e.Tasks[:max]
	kept := make(map[string]struct{}, len(e.Tasks))
	for _, t := range e.Tasks {
		kept[t.Name] = struct{}{}
	}
	for i := range e.Tasks {
		deps := e.Tasks[i].Dependencies[:0]
		for _, dep := range e.Tasks[i].Dependencies {
			if _, ok := kept[dep]; ok {
				deps = append(deps, dep)
			}
		}
		e.Tasks[i].Dependencies = deps
	}
}
