// Package snapshot computes the project rollup behind get_project_status.
// The aggregate is cached; callers read through the cache and a background
// refresher keeps it warm on the same tick.
package snapshot

import (
	"context"
	"math"
	"time"

	"github.com/marcushq/marcus/internal/cache"
	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/log"
)

// Risk levels in the rollup.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// DefaultTTL is how long a computed snapshot stays fresh.
const DefaultTTL = 5 * time.Minute

// staleFor bounds how old a rollup may get before an unreachable board
// stops being served stale data and starts surfacing errors.
const staleFor = time.Hour

// velocityWindow is the trailing span velocity is measured over.
const velocityWindow = 7 * 24 * time.Hour

const cacheKey = "project_status"

// Status is the project rollup served to callers.
type Status struct {
	Total           int       `json:"total"`
	Done            int       `json:"done"`
	InProgress      int       `json:"in_progress"`
	Blocked         int       `json:"blocked"`
	ProgressPercent float64   `json:"progress_percent"`
	TeamVelocity    float64   `json:"team_velocity"`
	RiskLevel       string    `json:"risk_level"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Service owns the cached rollup. Two copies are kept: a fresh one that
// expires on the TTL, and an hour-long stale one served through the
// fallback chain only when the board cannot be reached.
type Service struct {
	board kanban.Provider
	fresh *cache.TTL[Status]
	chain *fault.Fallback[Status]
	clk   clock.Clock
	ttl   time.Duration
}

// New builds the service. ttl <= 0 means DefaultTTL.
func New(board kanban.Provider, clk clock.Clock, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Service{
		board: board,
		fresh: cache.NewTTL[Status](ttl),
		clk:   clk,
		ttl:   ttl,
	}
	s.chain = fault.NewFallback("project_status", s.compute).
		WithCache(cache.NewTTL[Status](staleFor), cacheKey)
	return s
}

// Status returns the cached rollup, computing it on a miss.
func (s *Service) Status(ctx context.Context) (Status, error) {
	if cached, ok := s.fresh.Get(cacheKey); ok {
		return cached, nil
	}
	return s.Compute(ctx)
}

// Compute aggregates the full board and refreshes both cache tiers. A board
// failure falls back to the stale copy when one is recent enough.
func (s *Service) Compute(ctx context.Context) (Status, error) {
	return s.chain.Execute(ctx)
}

func (s *Service) compute(ctx context.Context) (Status, error) {
	tasks, err := s.board.AllTasks(ctx)
	if err != nil {
		return Status{}, err
	}
	st := aggregate(tasks, s.clk.Now().UTC())
	s.fresh.Set(cacheKey, st)
	return st, nil
}

// Invalidate drops the fresh rollup so the next read recomputes. Called
// after task creation. The stale copy stays as a board-outage reserve.
func (s *Service) Invalidate() {
	s.fresh.Delete(cacheKey)
}

// Run recomputes on every TTL tick until ctx is cancelled, keeping readers
// on the cached path.
func (s *Service) Run(ctx context.Context) {
	ticker := s.clk.NewTicker(s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := s.Compute(ctx); err != nil {
				log.Warn(log.CatServer, "snapshot refresh failed", "error", err.Error())
			}
		}
	}
}

// aggregate folds the task list into a Status. Percentages and velocity are
// rounded to two decimals.
func aggregate(tasks []kanban.Task, now time.Time) Status {
	st := Status{Total: len(tasks), RiskLevel: RiskLow, GeneratedAt: now}

	overdue := false
	completedInWindow := 0
	cutoff := now.Add(-velocityWindow)

	for _, t := range tasks {
		switch t.Status {
		case kanban.StatusDone:
			st.Done++
			if !t.UpdatedAt.Before(cutoff) {
				completedInWindow++
			}
		case kanban.StatusInProgress:
			st.InProgress++
		case kanban.StatusBlocked:
			st.Blocked++
		}
		if t.Overdue(now) {
			overdue = true
		}
	}

	if st.Total > 0 {
		st.ProgressPercent = round2(100 * float64(st.Done) / float64(st.Total))
	}
	st.TeamVelocity = round2(float64(completedInWindow) / 7)

	switch {
	case st.Blocked > 5 || overdue:
		st.RiskLevel = RiskHigh
	case st.Blocked > 2:
		st.RiskLevel = RiskMedium
	}
	return st
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
