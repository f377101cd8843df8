// Package roster tracks the live agent registry. Entries exist only for the
// server's lifetime; durable assignment state lives in the ledger.
package roster

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/log"
)

var (
	ErrUnknownAgent = errors.New("roster: agent not registered")
	ErrAtCapacity   = errors.New("roster: agent at capacity")
)

// WorkerStatus is one roster entry.
type WorkerStatus struct {
	AgentID          string   `json:"agent_id"`
	Name             string   `json:"name"`
	Role             string   `json:"role"`
	Skills           []string `json:"skills"`
	Capacity         int      `json:"capacity"`
	CurrentTasks     []string `json:"current_tasks"`
	CompletedCount   int      `json:"completed_count"`
	PerformanceScore float64  `json:"performance_score"`
}

type entry struct {
	status WorkerStatus

	// Completion stats feed the reconciler's heartbeat timeout.
	totalTaskTime    time.Duration
	timedCompletions int
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
}

func New() *Registry {
	return &Registry{agents: make(map[string]*entry)}
}

// Register adds or refreshes an agent. Re-registering updates name, role,
// skills, and capacity but preserves current tasks and counters.
func (r *Registry) Register(agentID, name, role string, skills []string, capacity int) (WorkerStatus, error) {
	if agentID == "" {
		return WorkerStatus{}, errors.New("roster: agent id is required")
	}
	if capacity <= 0 {
		capacity = 1
	}
	normalized := normalizeSkills(skills)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		e = &entry{status: WorkerStatus{
			AgentID:          agentID,
			PerformanceScore: 0.5,
		}}
		r.agents[agentID] = e
		log.Info(log.CatAssign, "agent registered", "agent_id", agentID, "role", role, "skills", len(normalized))
	} else {
		log.Debug(log.CatAssign, "agent re-registered", "agent_id", agentID)
	}
	e.status.Name = name
	e.status.Role = role
	e.status.Skills = normalized
	e.status.Capacity = capacity
	return e.status.clone(), nil
}

// Get returns a copy of the agent's status.
func (r *Registry) Get(agentID string) (WorkerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return WorkerStatus{}, false
	}
	return e.status.clone(), true
}

// List returns all agents ordered by id.
func (r *Registry) List() []WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.status.clone())
	}
	slices.SortFunc(out, func(a, b WorkerStatus) int {
		switch {
		case a.AgentID < b.AgentID:
			return -1
		case a.AgentID > b.AgentID:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// AddTask records that the agent started working a task.
func (r *Registry) AddTask(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if slices.Contains(e.status.CurrentTasks, taskID) {
		return fmt.Errorf("roster: agent %s already tracks task %s", agentID, taskID)
	}
	if len(e.status.CurrentTasks) >= e.status.Capacity {
		return fmt.Errorf("%w: %s holds %d of %d", ErrAtCapacity, agentID, len(e.status.CurrentTasks), e.status.Capacity)
	}
	e.status.CurrentTasks = append(e.status.CurrentTasks, taskID)
	return nil
}

// RemoveTask drops a task from the agent's current list. Unknown agents and
// untracked tasks are ignored so cleanup paths can run unconditionally.
func (r *Registry) RemoveTask(agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.status.CurrentTasks = slices.DeleteFunc(e.status.CurrentTasks, func(id string) bool {
		return id == taskID
	})
}

// CompleteTask removes the task, bumps the completion counter, and folds the
// timing into the agent's running stats. estimatedHours of 0 means the task
// carried no estimate and the performance score is nudged toward neutral.
func (r *Registry) CompleteTask(agentID, taskID string, elapsed time.Duration, estimatedHours float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	e.status.CurrentTasks = slices.DeleteFunc(e.status.CurrentTasks, func(id string) bool {
		return id == taskID
	})
	e.status.CompletedCount++

	if elapsed > 0 {
		e.totalTaskTime += elapsed
		e.timedCompletions++
	}

	onTime := 0.5
	if estimatedHours > 0 && elapsed > 0 {
		ratio := estimatedHours / elapsed.Hours()
		if ratio > 2 {
			ratio = 2
		}
		onTime = ratio / 2
	}
	e.status.PerformanceScore = 0.7*e.status.PerformanceScore + 0.3*onTime
	return nil
}

// AverageTaskTime reports the agent's mean completion time, or zero when the
// agent is unknown or has no timed completions.
func (r *Registry) AverageTaskTime(agentID string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok || e.timedCompletions == 0 {
		return 0
	}
	return e.totalTaskTime / time.Duration(e.timedCompletions)
}

func (w WorkerStatus) clone() WorkerStatus {
	out := w
	out.Skills = append([]string(nil), w.Skills...)
	out.CurrentTasks = append([]string(nil), w.CurrentTasks...)
	if out.Skills == nil {
		out.Skills = []string{}
	}
	if out.CurrentTasks == nil {
		out.CurrentTasks = []string{}
	}
	return out
}

func normalizeSkills(skills []string) []string {
	seen := make(map[string]struct{}, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
