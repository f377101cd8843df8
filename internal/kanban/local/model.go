package local

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcushq/marcus/internal/kanban"
)

// taskModel mirrors the tasks table. Timestamps are Unix seconds and the
// label/dependency columns are GROUP_CONCAT aggregates from the side tables.
type taskModel struct {
	ID             string
	Name           string
	Description    string
	Status         string
	Priority       string
	AssignedTo     string
	Progress       int
	Blocker        string
	EstimatedHours float64
	ActualHours    float64
	DueDate        *int64
	CreatedAt      int64
	UpdatedAt      int64
	Labels         string
	Dependencies   string
}

// taskColumns must stay in sync with scanTask.
const taskColumns = `t.id, t.name, t.description, t.status, t.priority, t.assigned_to,
	t.progress, t.blocker, t.estimated_hours, t.actual_hours,
	t.due_date, t.created_at, t.updated_at,
	COALESCE((SELECT GROUP_CONCAT(l.label) FROM task_labels l WHERE l.task_id = t.id), '') AS labels,
	COALESCE((SELECT GROUP_CONCAT(d.depends_on_id ORDER BY d.position) FROM task_dependencies d WHERE d.task_id = t.id), '') AS dependencies`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*taskModel, error) {
	var m taskModel
	err := s.Scan(
		&m.ID, &m.Name, &m.Description, &m.Status, &m.Priority, &m.AssignedTo,
		&m.Progress, &m.Blocker, &m.EstimatedHours, &m.ActualHours,
		&m.DueDate, &m.CreatedAt, &m.UpdatedAt,
		&m.Labels, &m.Dependencies,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *taskModel) toTask() (kanban.Task, error) {
	status, err := kanban.ParseStatus(m.Status)
	if err != nil {
		return kanban.Task{}, fmt.Errorf("task %s: %w", m.ID, err)
	}
	task := kanban.Task{
		ID:             m.ID,
		Name:           m.Name,
		Description:    m.Description,
		Status:         status,
		Priority:       kanban.ParsePriority(m.Priority),
		AssignedTo:     m.AssignedTo,
		Labels:         splitList(m.Labels),
		Dependencies:   splitList(m.Dependencies),
		EstimatedHours: m.EstimatedHours,
		ActualHours:    m.ActualHours,
		CreatedAt:      time.Unix(m.CreatedAt, 0).UTC(),
		UpdatedAt:      time.Unix(m.UpdatedAt, 0).UTC(),
	}
	if m.DueDate != nil {
		due := time.Unix(*m.DueDate, 0).UTC()
		task.DueDate = &due
	}
	return task, nil
}

func splitList(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
