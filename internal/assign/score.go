package assign

import (
	"strings"
	"time"

	"github.com/marcushq/marcus/internal/kanban"
)

// Config parameterizes task selection. Zero values fall back to the
// defaults, so a partially filled config is usable.
type Config struct {
	SkillWeight    float64
	PriorityWeight float64
	AgeWeight      float64

	// AgeHorizon is the task age at which the age boost saturates.
	AgeHorizon time.Duration

	// MaxAttempts bounds selection retries under contention.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		SkillWeight:    0.5,
		PriorityWeight: 0.4,
		AgeWeight:      0.1,
		AgeHorizon:     7 * 24 * time.Hour,
		MaxAttempts:    3,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.SkillWeight == 0 && c.PriorityWeight == 0 && c.AgeWeight == 0 {
		c.SkillWeight = def.SkillWeight
		c.PriorityWeight = def.PriorityWeight
		c.AgeWeight = def.AgeWeight
	}
	if c.AgeHorizon <= 0 {
		c.AgeHorizon = def.AgeHorizon
	}
	if c.MaxAttempts < def.MaxAttempts {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// score rates a task for an agent. All inputs are read-only; the function
// has no side effects so callers may score candidates in any order.
func (c Config) score(task kanban.Task, skills []string, now time.Time) float64 {
	return c.SkillWeight*skillMatch(task.Labels, skills) +
		c.PriorityWeight*task.Priority.Weight() +
		c.AgeWeight*ageBoost(task.CreatedAt, now, c.AgeHorizon)
}

// skillMatch is |labels ∩ skills| / max(1, |labels|), case-insensitive.
func skillMatch(labels, skills []string) float64 {
	if len(labels) == 0 {
		return 0
	}
	skillSet := make(map[string]struct{}, len(skills))
	for _, s := range skills {
		skillSet[strings.ToLower(s)] = struct{}{}
	}
	matched := 0
	for _, l := range labels {
		if _, ok := skillSet[strings.ToLower(l)]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(labels))
}

// ageBoost grows linearly with task age and caps at 1.0 once the task is
// older than the horizon.
func ageBoost(created, now time.Time, horizon time.Duration) float64 {
	if created.IsZero() || !created.Before(now) {
		return 0
	}
	age := now.Sub(created)
	if age >= horizon {
		return 1
	}
	return float64(age) / float64(horizon)
}

// pick returns the best-scoring task, breaking ties toward the smaller id
// so selection is deterministic.
func (c Config) pick(tasks []kanban.Task, skills []string, now time.Time) (kanban.Task, float64, bool) {
	var (
		best      kanban.Task
		bestScore float64
		found     bool
	)
	for _, task := range tasks {
		s := c.score(task, skills, now)
		if !found || s > bestScore || (s == bestScore && task.ID < best.ID) {
			best, bestScore, found = task, s, true
		}
	}
	return best, bestScore, found
}
