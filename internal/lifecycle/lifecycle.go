// Package lifecycle drives task state transitions reported by agents:
// progress updates, completions, blockers, and releases. Every mutation is
// validated against the ledger before it touches the board.
package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/ledger"
	"github.com/marcushq/marcus/internal/log"
	"github.com/marcushq/marcus/internal/roster"
)

// Report status values accepted from agents.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
)

var blockerSeverities = map[string]struct{}{
	"LOW": {}, "MEDIUM": {}, "HIGH": {}, "CRITICAL": {},
}

// Advisor suggests next steps for a reported blocker. Failures are
// swallowed; the blocker is recorded either way.
type Advisor interface {
	BlockerSuggestions(ctx context.Context, task kanban.Task, description, severity string) ([]string, error)
}

// Progress is one report_task_progress payload.
type Progress struct {
	AgentID string
	TaskID  string
	Status  string
	Percent int
	Message string
}

// Manager owns the reporting flows.
type Manager struct {
	board    kanban.Provider
	ledger   *ledger.Ledger
	registry *roster.Registry
	advisor  Advisor
	clk      clock.Clock
}

func New(board kanban.Provider, led *ledger.Ledger, reg *roster.Registry, advisor Advisor, clk clock.Clock) *Manager {
	return &Manager{board: board, ledger: led, registry: reg, advisor: advisor, clk: clk}
}

// ReportProgress applies an agent's status report to the board and ledger.
func (m *Manager) ReportProgress(ctx context.Context, rep Progress) error {
	if rep.Percent < 0 || rep.Percent > 100 {
		return fault.Invalid(fmt.Sprintf("progress must be within [0,100], got %d", rep.Percent),
			fault.WithOperation("report_task_progress"),
			fault.WithAgent(rep.AgentID), fault.WithTask(rep.TaskID))
	}

	rec, err := m.verify(rep.AgentID, rep.TaskID, "report_task_progress")
	if err != nil {
		return err
	}
	task, err := m.board.TaskByID(ctx, rep.TaskID)
	if err != nil {
		return err
	}

	switch rep.Status {
	case StatusInProgress:
		return m.applyInProgress(ctx, rep, task)
	case StatusCompleted:
		return m.applyCompleted(ctx, rep, task, rec)
	case StatusBlocked:
		return m.applyBlocked(ctx, rep, task)
	default:
		return fault.Invalid(
			fmt.Sprintf("status must be one of in_progress, completed, blocked; got %q", rep.Status),
			fault.WithOperation("report_task_progress"),
			fault.WithAgent(rep.AgentID), fault.WithTask(rep.TaskID))
	}
}

func (m *Manager) applyInProgress(ctx context.Context, rep Progress, task kanban.Task) error {
	if err := m.ensureTransition(task, kanban.StatusInProgress, rep.AgentID); err != nil {
		return err
	}
	update := kanban.TaskUpdate{
		Status:   kanban.StatusPtr(kanban.StatusInProgress),
		Progress: kanban.IntPtr(rep.Percent),
	}
	if err := m.board.UpdateTask(ctx, rep.TaskID, update); err != nil {
		return err
	}
	comment := fmt.Sprintf("progress: %d%%", rep.Percent)
	if rep.Message != "" {
		comment += " - " + rep.Message
	}
	if err := m.board.AddComment(ctx, rep.TaskID, comment); err != nil {
		return err
	}
	log.Debug(log.CatLifecycle, "progress reported",
		"agent_id", rep.AgentID, "task_id", rep.TaskID, "percent", rep.Percent)
	return m.ledger.UpdateHeartbeat(rep.AgentID, m.clk.Now().UTC())
}

func (m *Manager) applyBlocked(ctx context.Context, rep Progress, task kanban.Task) error {
	if err := m.ensureTransition(task, kanban.StatusBlocked, rep.AgentID); err != nil {
		return err
	}
	update := kanban.TaskUpdate{
		Status:  kanban.StatusPtr(kanban.StatusBlocked),
		Blocker: kanban.StringPtr(rep.Message),
	}
	if err := m.board.UpdateTask(ctx, rep.TaskID, update); err != nil {
		return err
	}
	log.Info(log.CatLifecycle, "task blocked",
		"agent_id", rep.AgentID, "task_id", rep.TaskID)
	return m.ledger.UpdateHeartbeat(rep.AgentID, m.clk.Now().UTC())
}

func (m *Manager) applyCompleted(ctx context.Context, rep Progress, task kanban.Task, rec ledger.Assignment) error {
	if err := m.ensureTransition(task, kanban.StatusDone, rep.AgentID); err != nil {
		return err
	}
	update := kanban.TaskUpdate{
		Status:     kanban.StatusPtr(kanban.StatusDone),
		AssignedTo: kanban.StringPtr(""),
		Progress:   kanban.IntPtr(100),
	}
	if err := m.board.UpdateTask(ctx, rep.TaskID, update); err != nil {
		return err
	}
	comment := "completed"
	if rep.Message != "" {
		comment += ": " + rep.Message
	}
	if err := m.board.AddComment(ctx, rep.TaskID, comment); err != nil {
		return err
	}

	now := m.clk.Now().UTC()
	if err := m.ledger.Remove(rep.AgentID); err != nil {
		return err
	}
	if err := m.registry.CompleteTask(rep.AgentID, rep.TaskID, now.Sub(rec.AssignedAt), task.EstimatedHours); err != nil {
		return err
	}
	log.Info(log.CatLifecycle, "task completed",
		"agent_id", rep.AgentID, "task_id", rep.TaskID,
		"elapsed", now.Sub(rec.AssignedAt).String())
	return nil
}

// ReportBlocker marks the task BLOCKED and records the description with
// advisor suggestions when available. It returns the suggestions so the
// caller can include them in its response.
func (m *Manager) ReportBlocker(ctx context.Context, agentID, taskID, description, severity string) ([]string, error) {
	severity = strings.ToUpper(strings.TrimSpace(severity))
	if severity == "" {
		severity = "MEDIUM"
	}
	if _, ok := blockerSeverities[severity]; !ok {
		return nil, fault.Invalid(fmt.Sprintf("unknown blocker severity %q", severity),
			fault.WithOperation("report_blocker"),
			fault.WithAgent(agentID), fault.WithTask(taskID))
	}

	if _, err := m.verify(agentID, taskID, "report_blocker"); err != nil {
		return nil, err
	}
	task, err := m.board.TaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTransition(task, kanban.StatusBlocked, agentID); err != nil {
		return nil, err
	}

	update := kanban.TaskUpdate{
		Status:  kanban.StatusPtr(kanban.StatusBlocked),
		Blocker: kanban.StringPtr(description),
	}
	if err := m.board.UpdateTask(ctx, taskID, update); err != nil {
		return nil, err
	}

	var suggestions []string
	if m.advisor != nil {
		s, aiErr := m.advisor.BlockerSuggestions(ctx, task, description, severity)
		if aiErr != nil {
			log.Warn(log.CatLifecycle, "blocker suggestions unavailable",
				"agent_id", agentID, "task_id", taskID, "error", aiErr.Error())
		} else {
			suggestions = s
		}
	}

	comment := fmt.Sprintf("blocker (%s): %s", severity, description)
	if len(suggestions) > 0 {
		comment += "\nsuggestions:"
		for _, s := range suggestions {
			comment += "\n- " + s
		}
	}
	if err := m.board.AddComment(ctx, taskID, comment); err != nil {
		return nil, err
	}

	log.Info(log.CatLifecycle, "blocker reported",
		"agent_id", agentID, "task_id", taskID, "severity", severity)
	if err := m.ledger.UpdateHeartbeat(agentID, m.clk.Now().UTC()); err != nil {
		return nil, err
	}
	return suggestions, nil
}

// Release returns the agent's task to the backlog and clears the
// assignment. This is the operator recovery path for stuck agents; a
// running server converges on the result at the next reconciliation
// sweep.
func (m *Manager) Release(ctx context.Context, agentID string) error {
	rec, ok := m.ledger.Get(agentID)
	if !ok {
		return fault.Assignment(fmt.Sprintf("agent %s has no active assignment", agentID),
			fault.WithOperation("release_task"), fault.WithAgent(agentID))
	}

	update := kanban.TaskUpdate{
		Status:     kanban.StatusPtr(kanban.StatusTodo),
		AssignedTo: kanban.StringPtr(""),
	}
	if err := m.board.UpdateTask(ctx, rec.TaskID, update); err != nil {
		return err
	}
	if err := m.ledger.Remove(agentID); err != nil {
		return err
	}
	m.registry.RemoveTask(agentID, rec.TaskID)
	log.Info(log.CatLifecycle, "assignment released",
		"agent_id", agentID, "task_id", rec.TaskID)
	return nil
}

// verify checks registration and ledger ownership.
func (m *Manager) verify(agentID, taskID, op string) (ledger.Assignment, error) {
	if _, ok := m.registry.Get(agentID); !ok {
		return ledger.Assignment{}, fault.New(fault.WorkflowViolation,
			fmt.Sprintf("agent %s is not registered", agentID),
			fault.WithOperation(op), fault.WithAgent(agentID),
			fault.WithRemediation(&fault.Remediation{
				Immediate: "call register_agent before reporting on tasks",
			}))
	}
	rec, ok := m.ledger.Get(agentID)
	if !ok || rec.TaskID != taskID {
		held := "none"
		if ok {
			held = rec.TaskID
		}
		return ledger.Assignment{}, fault.Assignment(
			fmt.Sprintf("task %s is not assigned to agent %s (current: %s)", taskID, agentID, held),
			fault.WithOperation(op), fault.WithAgent(agentID), fault.WithTask(taskID))
	}
	return rec, nil
}

// ensureTransition permits no-op updates and edges of the lifecycle graph;
// anything else is a workflow violation.
func (m *Manager) ensureTransition(task kanban.Task, target kanban.Status, agentID string) error {
	if task.Status == target && target != kanban.StatusDone {
		return nil
	}
	if kanban.CanTransition(task.Status, target) {
		return nil
	}
	return fault.New(fault.WorkflowViolation,
		fmt.Sprintf("task %s cannot move from %s to %s", task.ID, task.Status, target),
		fault.WithAgent(agentID), fault.WithTask(task.ID))
}
