package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/marcushq/marcus/internal/fault"
)

// Pattern kinds.
const (
	PatternFrequency     = "frequency"
	PatternBurst         = "burst"
	PatternAgentSpecific = "agent_specific"
	PatternCascade       = "cascade"
)

// patternActiveWindow is how long a pattern counts as active after its last
// update.
const patternActiveWindow = time.Hour

// Pattern is a derived observation about the error stream.
type Pattern struct {
	Key         string         `json:"key"`
	Kind        string         `json:"kind"`
	Count       int            `json:"count"`
	Severity    fault.Severity `json:"severity"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

// detect runs every detector against the new record. Callers hold m.mu; the
// returned alerts are published after the lock is released.
func (m *Monitor) detect(rec Record, now time.Time) []Alert {
	var fired []Alert
	fired = m.detectFrequency(rec, now, fired)
	fired = m.detectBurst(now, fired)
	fired = m.detectAgent(rec, now, fired)
	fired = m.detectCascade(rec, now, fired)
	return fired
}

func (m *Monitor) detectFrequency(rec Record, now time.Time, fired []Alert) []Alert {
	cutoff := now.Add(-10 * time.Minute)
	n := 0
	m.each(func(r Record) {
		if r.Code == rec.Code && r.Timestamp.After(cutoff) {
			n++
		}
	})
	if n < m.cfg.FrequencyThreshold {
		return fired
	}
	key := fmt.Sprintf("%s|%s|%s", PatternFrequency, rec.Code, now.Format("2006-01-02T15"))
	return m.upsertPattern(fired, key, PatternFrequency, n, fault.SeverityHigh,
		fmt.Sprintf("%d %s errors in the last 10 minutes", n, rec.Code),
		map[string]any{"error_code": string(rec.Code)}, now)
}

func (m *Monitor) detectBurst(now time.Time, fired []Alert) []Alert {
	cutoff := now.Add(-5 * time.Minute)
	n := 0
	m.each(func(r Record) {
		if r.Timestamp.After(cutoff) {
			n++
		}
	})
	if n < m.cfg.BurstThreshold {
		return fired
	}
	sev := fault.SeverityHigh
	if n >= 20 {
		sev = fault.SeverityCritical
	}
	key := fmt.Sprintf("%s|%s", PatternBurst, now.Format("2006-01-02T15:04"))
	return m.upsertPattern(fired, key, PatternBurst, n, sev,
		fmt.Sprintf("%d errors in the last 5 minutes", n), nil, now)
}

func (m *Monitor) detectAgent(rec Record, now time.Time, fired []Alert) []Alert {
	if rec.AgentID == "" {
		return fired
	}
	cutoff := now.Add(-30 * time.Minute)
	n := 0
	m.each(func(r Record) {
		if r.AgentID == rec.AgentID && r.Timestamp.After(cutoff) {
			n++
		}
	})
	if n < m.cfg.AgentErrorThreshold {
		return fired
	}
	key := fmt.Sprintf("%s|%s|%s", PatternAgentSpecific, rec.AgentID, now.Format("2006-01-02T15"))
	return m.upsertPattern(fired, key, PatternAgentSpecific, n, fault.SeverityHigh,
		fmt.Sprintf("agent %s hit %d errors in the last 30 minutes", rec.AgentID, n),
		map[string]any{"agent_id": rec.AgentID}, now)
}

func (m *Monitor) detectCascade(rec Record, now time.Time, fired []Alert) []Alert {
	cutoff := now.Add(-5 * time.Minute)
	recent := m.lastN(50)
	n := 0
	for _, r := range recent {
		if r.CorrelationID == rec.CorrelationID || !r.Timestamp.After(cutoff) {
			continue
		}
		if similarity(rec, r) >= 0.7 {
			n++
		}
	}
	if n < m.cfg.CascadeThreshold {
		return fired
	}
	key := fmt.Sprintf("%s|%s|%s", PatternCascade, rec.Code, now.Format("2006-01-02T15:04"))
	return m.upsertPattern(fired, key, PatternCascade, n, fault.SeverityCritical,
		fmt.Sprintf("%d similar errors cascading around %s", n, rec.Code),
		map[string]any{"error_code": string(rec.Code), "operation": rec.Operation}, now)
}

// lastN returns up to n newest ring records. Callers hold m.mu.
func (m *Monitor) lastN(n int) []Record {
	size := len(m.ring)
	if n > size {
		n = size
	}
	out := make([]Record, 0, n)
	idx := size - 1
	if m.filled {
		idx = (m.next - 1 + size) % size
	}
	for i := 0; i < n; i++ {
		out = append(out, m.ring[(idx-i+size)%size])
	}
	return out
}

// similarity scores how alike two records are: same code 0.4, same operation
// 0.3, same integration 0.2, within 60 seconds 0.1. Blank fields never match.
func similarity(a, b Record) float64 {
	s := 0.0
	if a.Code == b.Code {
		s += 0.4
	}
	if a.Operation != "" && a.Operation == b.Operation {
		s += 0.3
	}
	if a.Integration != "" && a.Integration == b.Integration {
		s += 0.2
	}
	d := a.Timestamp.Sub(b.Timestamp)
	if d < 0 {
		d = -d
	}
	if d <= time.Minute {
		s += 0.1
	}
	return s
}

var sevRank = map[fault.Severity]int{
	fault.SeverityLow:      0,
	fault.SeverityMedium:   1,
	fault.SeverityHigh:     2,
	fault.SeverityCritical: 3,
}

// upsertPattern creates or refreshes a pattern and queues an alert when the
// pattern is new or its severity escalates.
func (m *Monitor) upsertPattern(fired []Alert, key, kind string, count int, sev fault.Severity, desc string, pctx map[string]any, now time.Time) []Alert {
	p, ok := m.patterns[key]
	if !ok {
		p = &Pattern{Key: key, Kind: kind, FirstSeen: now}
		m.patterns[key] = p
	}
	escalated := ok && sevRank[sev] > sevRank[p.Severity]
	p.Count = count
	p.Severity = sev
	p.LastSeen = now
	p.Description = desc
	p.Context = pctx

	if !ok || escalated {
		fired = append(fired, Alert{Pattern: *p, Timestamp: now})
	}
	return fired
}

// Patterns returns every known pattern, newest first.
func (m *Monitor) Patterns() []Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// ActivePatterns returns patterns updated within the active window.
func (m *Monitor) ActivePatterns() []Pattern {
	now := m.clk.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePatternsLocked(now)
}

// activePatternsLocked filters to patterns still in their active window,
// newest first. Callers hold m.mu.
func (m *Monitor) activePatternsLocked(now time.Time) []Pattern {
	out := make([]Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		if now.Sub(p.LastSeen) <= patternActiveWindow {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}
