package monitor

import (
	"fmt"
	"time"

	"github.com/marcushq/marcus/internal/fault"
)

// Health statuses.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusFair      = "fair"
	StatusPoor      = "poor"
	StatusCritical  = "critical"
)

// Health is the derived system health report.
type Health struct {
	Score           int                    `json:"score"`
	Status          string                 `json:"status"`
	ErrorRate       float64                `json:"error_rate_per_minute"`
	TotalErrors     int                    `json:"total_errors"`
	CriticalErrors  int                    `json:"critical_errors"`
	RetryableErrors int                    `json:"retryable_errors"`
	ByCategory      map[fault.Category]int `json:"by_category,omitempty"`
	ActivePatterns  []Pattern              `json:"active_patterns,omitempty"`
	ActiveGroups    int                    `json:"active_groups"`
	Recommendations []string               `json:"recommendations,omitempty"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

// Health computes the current report. Score starts at 100 and is docked by
// error rate tier, presence of critical errors, and each active pattern.
func (m *Monitor) Health() Health {
	now := m.clk.Now().UTC()

	m.mu.Lock()
	rate := m.ratePerMinuteLocked(now)
	total := m.metrics.Total
	critical := m.metrics.Critical
	retryable := m.metrics.Retryable
	byCat := make(map[fault.Category]int, len(m.metrics.ByCategory))
	for k, v := range m.metrics.ByCategory {
		byCat[k] = v
	}
	active := m.activePatternsLocked(now)
	activeGroups := 0
	for _, g := range m.groups {
		if now.Sub(g.LastSeen) <= m.cfg.CorrelationTimeout {
			activeGroups++
		}
	}
	topCode, topCodeN := top(m.metrics.ByCode)
	topAgent, topAgentN := top(m.metrics.ByAgent)
	topIntegration, topIntegrationN := top(m.metrics.ByIntegration)
	m.mu.Unlock()

	score := 100
	switch {
	case rate >= 10:
		score -= 40
	case rate >= 5:
		score -= 25
	case rate >= 1:
		score -= 10
	}
	if critical > 0 {
		score -= 25
	}
	score -= 10 * len(active)
	if score < 0 {
		score = 0
	}

	h := Health{
		Score:           score,
		Status:          band(score),
		ErrorRate:       rate,
		TotalErrors:     total,
		CriticalErrors:  critical,
		RetryableErrors: retryable,
		ByCategory:      byCat,
		ActivePatterns:  active,
		ActiveGroups:    activeGroups,
		GeneratedAt:     now,
	}
	if topCodeN > 1 {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("investigate recurring %s errors (%d occurrences)", topCode, topCodeN))
	}
	if topAgentN > 1 {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("agent %s accounts for %d errors; check its assignments and workspace", topAgent, topAgentN))
	}
	if topIntegrationN > 1 {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("integration %s produced %d errors; verify connectivity and credentials", topIntegration, topIntegrationN))
	}
	return h
}

func band(score int) string {
	switch {
	case score >= 90:
		return StatusExcellent
	case score >= 75:
		return StatusGood
	case score >= 50:
		return StatusFair
	case score >= 25:
		return StatusPoor
	default:
		return StatusCritical
	}
}

// top returns the highest-count key, breaking ties by key order so the
// result is stable.
func top[K ~string](m map[K]int) (K, int) {
	var bestK K
	bestN := 0
	for k, n := range m {
		if n > bestN || (n == bestN && n > 0 && k < bestK) {
			bestK, bestN = k, n
		}
	}
	return bestK, bestN
}
