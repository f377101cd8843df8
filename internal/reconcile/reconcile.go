// Package reconcile runs the background loop that keeps the ledger honest
// against the board. External edits happen: tasks get finished, released,
// or reassigned behind Marcus's back, and agents go silent mid-task.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/ledger"
	"github.com/marcushq/marcus/internal/log"
	"github.com/marcushq/marcus/internal/roster"
)

// SyncState summarizes the last sweep's drift.
type SyncState string

const (
	InSync   SyncState = "in_sync"
	Drifting SyncState = "drifting"
	Degraded SyncState = "degraded"
)

// Config tunes the loop.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// HeartbeatFloor and HeartbeatCeiling clamp the per-agent silence
	// timeout of 2x the agent's average task time.
	HeartbeatFloor   time.Duration
	HeartbeatCeiling time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		HeartbeatFloor:   30 * time.Minute,
		HeartbeatCeiling: 24 * time.Hour,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.HeartbeatFloor <= 0 {
		c.HeartbeatFloor = def.HeartbeatFloor
	}
	if c.HeartbeatCeiling < c.HeartbeatFloor {
		c.HeartbeatCeiling = def.HeartbeatCeiling
	}
	return c
}

// State is a snapshot of reconciliation health.
type State struct {
	SyncState        SyncState `json:"sync_state"`
	Ticks            int       `json:"ticks"`
	LastTick         time.Time `json:"last_tick"`
	LastCorrections  int       `json:"last_corrections"`
	TotalCorrections int       `json:"total_corrections"`
	LastFailures     int       `json:"last_failures"`
}

// Reconciler compares ledger entries with board truth once per interval.
type Reconciler struct {
	cfg      Config
	board    kanban.Provider
	ledger   *ledger.Ledger
	registry *roster.Registry
	clk      clock.Clock

	// OnCorrection, when set, is invoked after each dropped entry so the
	// server can publish it on the event stream. Called outside any lock.
	OnCorrection func(agentID, taskID, reason string)

	mu    sync.Mutex
	state State
}

func New(cfg Config, board kanban.Provider, led *ledger.Ledger, reg *roster.Registry, clk clock.Clock) *Reconciler {
	return &Reconciler{
		cfg:      cfg.normalized(),
		board:    board,
		ledger:   led,
		registry: reg,
		clk:      clk,
		state:    State{SyncState: InSync},
	}
}

// SetConfig swaps the loop tuning. Heartbeat windows apply on the next
// sweep; a changed interval applies when the loop next restarts.
func (r *Reconciler) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.normalized()
	r.mu.Unlock()
}

func (r *Reconciler) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Run loops until ctx is cancelled. An in-flight sweep finishes; the loop
// only observes cancellation between ticks.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.config().Interval
	ticker := r.clk.NewTicker(interval)
	defer ticker.Stop()

	log.Info(log.CatReconcile, "reconciliation loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatReconcile, "reconciliation loop stopped")
			return
		case <-ticker.C():
			r.Tick(ctx)
		}
	}
}

// Tick runs one sweep. It is exported so health checks and tests can force
// a sweep without waiting out the interval.
func (r *Reconciler) Tick(ctx context.Context) {
	entries := r.ledger.All()
	now := r.clk.Now().UTC()

	corrections, failures := 0, 0
	for agentID, rec := range entries {
		corrected, failed := r.reconcileEntry(ctx, agentID, rec, now)
		if corrected {
			corrections++
		}
		if failed {
			failures++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Ticks++
	r.state.LastTick = now
	r.state.LastCorrections = corrections
	r.state.TotalCorrections += corrections
	r.state.LastFailures = failures
	switch {
	case failures > 0:
		r.state.SyncState = Degraded
	case corrections > 0:
		r.state.SyncState = Drifting
	default:
		r.state.SyncState = InSync
	}

	if corrections > 0 || failures > 0 {
		log.Info(log.CatReconcile, "sweep finished",
			"entries", len(entries), "corrections", corrections,
			"failures", failures, "sync_state", string(r.state.SyncState))
	}
}

func (r *Reconciler) reconcileEntry(ctx context.Context, agentID string, rec ledger.Assignment, now time.Time) (corrected, failed bool) {
	task, err := r.board.TaskByID(ctx, rec.TaskID)
	if err != nil {
		if errors.Is(err, kanban.ErrNotFound) {
			r.drop(agentID, rec.TaskID, "task gone from board")
			return true, false
		}
		log.Warn(log.CatReconcile, "board unreachable for entry",
			"agent_id", agentID, "task_id", rec.TaskID, "error", err.Error())
		return false, true
	}

	switch {
	case task.Status == kanban.StatusDone:
		r.drop(agentID, rec.TaskID, "board reports task done")
		return true, false
	case task.Status == kanban.StatusTodo:
		r.drop(agentID, rec.TaskID, "task returned to backlog")
		return true, false
	case task.AssignedTo != "" && task.AssignedTo != agentID:
		r.drop(agentID, rec.TaskID, fmt.Sprintf("task reassigned to %s", task.AssignedTo))
		return true, false
	}

	timeout := r.heartbeatTimeout(agentID)
	if now.Sub(rec.LastHeartbeat) <= timeout {
		return false, false
	}

	// Silent agent: the task goes BLOCKED for a human to triage and the
	// assignment is dropped so the agent can be given fresh work.
	update := kanban.TaskUpdate{
		Status:  kanban.StatusPtr(kanban.StatusBlocked),
		Blocker: kanban.StringPtr("agent silent"),
	}
	if err := r.board.UpdateTask(ctx, rec.TaskID, update); err != nil {
		log.Warn(log.CatReconcile, "failed to block silent agent's task",
			"agent_id", agentID, "task_id", rec.TaskID, "error", err.Error())
		return false, true
	}
	r.drop(agentID, rec.TaskID, fmt.Sprintf("no heartbeat for %s", now.Sub(rec.LastHeartbeat).Round(time.Second)))
	return true, false
}

// drop removes the ledger entry and the registry's view of it.
func (r *Reconciler) drop(agentID, taskID, reason string) {
	if err := r.ledger.Remove(agentID); err != nil {
		log.ErrorErr(log.CatReconcile, "failed to drop ledger entry", err,
			"agent_id", agentID, "task_id", taskID)
		return
	}
	r.registry.RemoveTask(agentID, taskID)
	log.Info(log.CatReconcile, "reconciliation_corrected",
		"agent_id", agentID, "task_id", taskID, "reason", reason)
	if r.OnCorrection != nil {
		r.OnCorrection(agentID, taskID, reason)
	}
}

// heartbeatTimeout is 2x the agent's average task time clamped to the
// configured floor and ceiling. Agents with no history get the floor.
func (r *Reconciler) heartbeatTimeout(agentID string) time.Duration {
	cfg := r.config()
	timeout := 2 * r.registry.AverageTaskTime(agentID)
	if timeout < cfg.HeartbeatFloor {
		return cfg.HeartbeatFloor
	}
	if timeout > cfg.HeartbeatCeiling {
		return cfg.HeartbeatCeiling
	}
	return timeout
}

// State returns a copy of the current reconciliation health.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
