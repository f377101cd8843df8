// Package kanban defines the board-facing task model and the provider
// contract the rest of the server depends on. Concrete backends live in
// subpackages; callers reach them through the guarded wrapper so every call
// carries retry, breaker, and error-tagging behavior.
package kanban

import (
	"fmt"
	"strings"
	"time"
)

// Status is a task's lifecycle state as mirrored from the board.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusBlocked    Status = "BLOCKED"
	StatusDone       Status = "DONE"
)

// ParseStatus maps a stored string to a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusTodo:
		return StatusTodo, nil
	case StatusInProgress:
		return StatusInProgress, nil
	case StatusBlocked:
		return StatusBlocked, nil
	case StatusDone:
		return StatusDone, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Priority orders tasks for assignment.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority maps a stored string to a Priority. Unknown values mean
// MEDIUM so imported boards never fail on exotic labels.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

// Weight is the priority's contribution to the assignment score.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityUrgent:
		return 1.0
	case PriorityHigh:
		return 0.75
	case PriorityLow:
		return 0.25
	default:
		return 0.5
	}
}

// Task is the unit of work mirrored from the kanban board.
type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Status         Status     `json:"status"`
	Priority       Priority   `json:"priority"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	Labels         []string   `json:"labels,omitempty"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	EstimatedHours float64    `json:"estimated_hours,omitempty"`
	ActualHours    float64    `json:"actual_hours,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Overdue reports whether the task has a due date in the past and is not
// finished.
func (t Task) Overdue(now time.Time) bool {
	return t.DueDate != nil && t.Status != StatusDone && now.After(*t.DueDate)
}

// transitions is the task lifecycle graph. DONE is terminal; TODO returns
// only via release.
var transitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress},
	StatusInProgress: {StatusInProgress, StatusBlocked, StatusDone, StatusTodo},
	StatusBlocked:    {StatusInProgress, StatusTodo},
	StatusDone:       nil,
}

// CanTransition reports whether the lifecycle graph allows from → to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
