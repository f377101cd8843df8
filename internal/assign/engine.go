// Package assign implements task selection and the commit protocol that
// guarantees at-most-one owner per task under concurrent requests.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/ledger"
	"github.com/marcushq/marcus/internal/log"
	"github.com/marcushq/marcus/internal/roster"
)

// NoTaskMessage is the structured "nothing to hand out" result message.
const NoTaskMessage = "no task available"

// Advisor produces working instructions for a freshly assigned task.
// Failures are non-fatal; assignment proceeds without instructions.
type Advisor interface {
	TaskInstructions(ctx context.Context, task kanban.Task, agent roster.WorkerStatus) (string, error)
}

// Result is the outcome of one assignment request.
type Result struct {
	Assigned         bool         `json:"assigned"`
	Task             *kanban.Task `json:"task"`
	Score            float64      `json:"score,omitempty"`
	Instructions     string       `json:"instructions,omitempty"`
	InstructionsNote string       `json:"instructions_note,omitempty"`
	Message          string       `json:"message,omitempty"`
}

// Engine owns the assignment lock and the in-flight reservation set.
type Engine struct {
	cfg      Config
	board    kanban.Provider
	ledger   *ledger.Ledger
	registry *roster.Registry
	advisor  Advisor
	clk      clock.Clock

	// mu is the assignment lock: it serializes ledger writes and all
	// mutations of reserved.
	mu       sync.Mutex
	reserved map[string]struct{}
}

func New(cfg Config, board kanban.Provider, led *ledger.Ledger, reg *roster.Registry, advisor Advisor, clk clock.Clock) *Engine {
	return &Engine{
		cfg:      cfg.normalized(),
		board:    board,
		ledger:   led,
		registry: reg,
		advisor:  advisor,
		clk:      clk,
		reserved: make(map[string]struct{}),
	}
}

// SetConfig swaps the scoring tuning. Takes effect on the next request;
// in-flight selections finish under the tuning they started with.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.normalized()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Assign selects and commits the best available task for the agent. When
// nothing is selectable it returns a Result carrying NoTaskMessage rather
// than an error.
func (e *Engine) Assign(ctx context.Context, agentID string) (Result, error) {
	agent, ok := e.registry.Get(agentID)
	if !ok {
		return Result{}, fault.New(fault.WorkflowViolation,
			fmt.Sprintf("agent %s is not registered", agentID),
			fault.WithOperation("request_next_task"),
			fault.WithAgent(agentID),
			fault.WithRemediation(&fault.Remediation{
				Immediate: "call register_agent before requesting tasks",
			}))
	}
	if current, busy := e.ledger.Get(agentID); busy {
		return Result{}, fault.New(fault.TaskAssignment,
			fmt.Sprintf("agent %s already holds task %s", agentID, current.TaskID),
			fault.WithOperation("request_next_task"),
			fault.WithAgent(agentID),
			fault.WithTask(current.TaskID),
			fault.WithRemediation(&fault.Remediation{
				Immediate: "report progress or completion on the current task first",
			}))
	}

	maxAttempts := e.config().MaxAttempts
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, lost, err := e.tryAssign(ctx, agent)
		if err != nil {
			return Result{}, err
		}
		if !lost {
			return res, nil
		}
		log.Debug(log.CatAssign, "assignment race lost, reselecting",
			"agent_id", agentID, "attempt", attempt+1)
	}
	return Result{}, fault.New(fault.StateConflict,
		fmt.Sprintf("could not secure a task for %s after %d attempts", agentID, maxAttempts),
		fault.WithOperation("request_next_task"),
		fault.WithAgent(agentID),
		fault.WithRemediation(&fault.Remediation{
			Immediate: "request again; contention should clear once in-flight assignments settle",
		}))
}

// tryAssign runs one selection attempt. Selection and reservation happen
// under the assignment lock, so two requests can never choose the same
// task; lost=true is the belt-and-braces path for a ledger-level conflict.
func (e *Engine) tryAssign(ctx context.Context, agent roster.WorkerStatus) (res Result, lost bool, err error) {
	available, err := e.board.AvailableTasks(ctx)
	if err != nil {
		return Result{}, false, err
	}

	// The done set is only needed when a candidate declares dependencies.
	// Fetching it before taking the lock keeps board I/O out of selection;
	// staleness is benign because dependencies only move toward DONE.
	var done map[string]struct{}
	for _, task := range available {
		if len(task.Dependencies) > 0 {
			if done, err = e.doneSet(ctx); err != nil {
				return Result{}, false, err
			}
			break
		}
	}

	now := e.clk.Now().UTC()

	e.mu.Lock()
	excluded := e.ledger.AssignedTaskIDs()
	for id := range e.reserved {
		excluded[id] = struct{}{}
	}
	candidates := make([]kanban.Task, 0, len(available))
	for _, task := range available {
		if _, taken := excluded[task.ID]; taken {
			continue
		}
		if !depsResolved(task, done) {
			continue
		}
		candidates = append(candidates, task)
	}
	best, score, found := e.cfg.pick(candidates, agent.Skills, now)
	if !found {
		e.mu.Unlock()
		return Result{Message: NoTaskMessage}, false, nil
	}
	e.reserved[best.ID] = struct{}{}
	e.mu.Unlock()
	defer e.releaseReservation(best.ID)

	if err := ctx.Err(); err != nil {
		return Result{}, false, fault.Wrap(err, "assignment cancelled before commit",
			fault.WithOperation("request_next_task"), fault.WithAgent(agent.AgentID))
	}

	if err := e.commit(ctx, agent.AgentID, best, now); err != nil {
		if errors.Is(err, ledger.ErrTaskAssigned) {
			return Result{}, true, nil
		}
		return Result{}, false, err
	}

	log.Info(log.CatAssign, "task assigned",
		"agent_id", agent.AgentID, "task_id", best.ID, "score", score)

	res = Result{Assigned: true, Task: &best, Score: score}
	if e.advisor == nil {
		return res, false, nil
	}
	instructions, aiErr := e.advisor.TaskInstructions(ctx, best, agent)
	if aiErr != nil {
		log.Warn(log.CatAssign, "instructions unavailable",
			"agent_id", agent.AgentID, "task_id", best.ID, "error", aiErr.Error())
		res.InstructionsNote = "instructions unavailable; proceed from the task description"
		return res, false, nil
	}
	res.Instructions = instructions
	return res, false, nil
}

// commit performs the ledger write and board updates under the assignment
// lock. Any failure after the ledger write is compensated so the ledger
// never names an owner the board does not reflect.
func (e *Engine) commit(ctx context.Context, agentID string, task kanban.Task, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.ledger.Add(agentID, ledger.Assignment{
		TaskID:             task.ID,
		AssignedAt:         now,
		StatusAtAssignment: task.Status,
	})
	if err != nil {
		return err
	}

	update := kanban.TaskUpdate{
		Status:     kanban.StatusPtr(kanban.StatusInProgress),
		AssignedTo: kanban.StringPtr(agentID),
	}
	if err := e.board.UpdateTask(ctx, task.ID, update); err != nil {
		e.compensate(ctx, agentID, task.ID, false)
		return err
	}
	if err := e.board.AddComment(ctx, task.ID, "assigned to "+agentID); err != nil {
		e.compensate(ctx, agentID, task.ID, true)
		return err
	}
	if err := e.registry.AddTask(agentID, task.ID); err != nil {
		e.compensate(ctx, agentID, task.ID, true)
		return err
	}
	return nil
}

// compensate rolls back a partial commit: the ledger entry is removed and,
// when the board update already landed, the task is returned to TODO.
func (e *Engine) compensate(ctx context.Context, agentID, taskID string, revertBoard bool) {
	if revertBoard {
		revert := kanban.TaskUpdate{
			Status:     kanban.StatusPtr(kanban.StatusTodo),
			AssignedTo: kanban.StringPtr(""),
		}
		if err := e.board.UpdateTask(ctx, taskID, revert); err != nil {
			log.ErrorErr(log.CatAssign, "failed to revert board after aborted assignment", err,
				"agent_id", agentID, "task_id", taskID)
		}
	}
	if err := e.ledger.Remove(agentID); err != nil {
		log.ErrorErr(log.CatAssign, "failed to remove ledger entry after aborted assignment", err,
			"agent_id", agentID, "task_id", taskID)
	}
}

func (e *Engine) releaseReservation(taskID string) {
	e.mu.Lock()
	delete(e.reserved, taskID)
	e.mu.Unlock()
}

func (e *Engine) doneSet(ctx context.Context) (map[string]struct{}, error) {
	all, err := e.board.AllTasks(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{})
	for _, task := range all {
		if task.Status == kanban.StatusDone {
			done[task.ID] = struct{}{}
		}
	}
	return done, nil
}

// depsResolved reports whether every dependency is in the done set. A
// dependency the board has never heard of blocks its dependents.
func depsResolved(task kanban.Task, done map[string]struct{}) bool {
	for _, dep := range task.Dependencies {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	return true
}
