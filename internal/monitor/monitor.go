// Package monitor is the process-wide error store: a bounded history ring,
// per-dimension counters, pattern detectors over the recent stream, and a
// health report derived from all of it. Ingestion is synchronous; a single
// background worker snapshots state to disk and prunes stale entries.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/bus"
	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/fault"
)

// Config tunes detectors, retention, and persistence.
type Config struct {
	// HistorySize bounds the in-memory error ring.
	HistorySize int
	// FrequencyThreshold is the same-code count in 10 minutes that emits a
	// frequency pattern.
	FrequencyThreshold int
	// BurstThreshold is the total error count in 5 minutes that emits a
	// burst pattern.
	BurstThreshold int
	// AgentErrorThreshold is the per-agent count in 30 minutes that emits
	// an agent_specific pattern.
	AgentErrorThreshold int
	// CascadeThreshold is the similar-error count that emits a cascade
	// pattern.
	CascadeThreshold int
	// CorrelationTimeout is how long a correlation group stays active
	// after its newest error.
	CorrelationTimeout time.Duration
	// SnapshotPath is where patterns and metrics history persist. Empty
	// disables persistence.
	SnapshotPath string
}

// DefaultConfig returns the standard monitor tuning.
func DefaultConfig() Config {
	return Config{
		HistorySize:         10_000,
		FrequencyThreshold:  10,
		BurstThreshold:      15,
		AgentErrorThreshold: 5,
		CascadeThreshold:    3,
		CorrelationTimeout:  30 * time.Minute,
	}
}

// Record is one ingested error, flattened for ring storage.
type Record struct {
	CorrelationID string         `json:"correlation_id"`
	Code          fault.Code     `json:"error_code"`
	Category      fault.Category `json:"category"`
	Severity      fault.Severity `json:"severity"`
	Retryable     bool           `json:"retryable"`
	Message       string         `json:"message"`
	Operation     string         `json:"operation,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	Integration   string         `json:"integration_name,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Group is a correlation group keyed by operation|agent|integration.
type Group struct {
	Key            string    `json:"key"`
	Count          int       `json:"count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	CorrelationIDs []string  `json:"correlation_ids"`
}

// groupIDCap bounds the correlation ids retained per group.
const groupIDCap = 100

// Alert is published whenever a pattern is created or escalates.
type Alert struct {
	Pattern   Pattern   `json:"pattern"`
	Timestamp time.Time `json:"timestamp"`
}

type counters struct {
	Total         int                    `json:"total"`
	Retryable     int                    `json:"retryable"`
	Critical      int                    `json:"critical"`
	ByCode        map[fault.Code]int     `json:"by_code"`
	ByCategory    map[fault.Category]int `json:"by_category"`
	BySeverity    map[fault.Severity]int `json:"by_severity"`
	ByAgent       map[string]int         `json:"by_agent"`
	ByOperation   map[string]int         `json:"by_operation"`
	ByIntegration map[string]int         `json:"by_integration"`
}

func newCounters() counters {
	return counters{
		ByCode:        make(map[fault.Code]int),
		ByCategory:    make(map[fault.Category]int),
		BySeverity:    make(map[fault.Severity]int),
		ByAgent:       make(map[string]int),
		ByOperation:   make(map[string]int),
		ByIntegration: make(map[string]int),
	}
}

// Monitor owns the error history and everything derived from it.
type Monitor struct {
	cfg Config
	clk clock.Clock

	mu       sync.Mutex
	ring     []Record
	next     int
	filled   bool
	byCorr   map[string]int
	metrics  counters
	patterns map[string]*Pattern
	groups   map[string]*Group
	history  []MetricsSnapshot

	alerts *bus.Broker[Alert]
}

// New builds a monitor and loads any prior snapshot from cfg.SnapshotPath.
func New(cfg Config, clk clock.Clock) *Monitor {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.FrequencyThreshold <= 0 {
		cfg.FrequencyThreshold = def.FrequencyThreshold
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = def.BurstThreshold
	}
	if cfg.AgentErrorThreshold <= 0 {
		cfg.AgentErrorThreshold = def.AgentErrorThreshold
	}
	if cfg.CascadeThreshold <= 0 {
		cfg.CascadeThreshold = def.CascadeThreshold
	}
	if cfg.CorrelationTimeout <= 0 {
		cfg.CorrelationTimeout = def.CorrelationTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	m := &Monitor{
		cfg:      cfg,
		clk:      clk,
		ring:     make([]Record, 0, cfg.HistorySize),
		byCorr:   make(map[string]int),
		metrics:  newCounters(),
		patterns: make(map[string]*Pattern),
		groups:   make(map[string]*Group),
		alerts:   bus.New[Alert](),
	}
	m.loadSnapshot()
	return m
}

// Alerts exposes the pattern alert stream.
func (m *Monitor) Alerts() *bus.Broker[Alert] { return m.alerts }

// SetThresholds swaps the detection tuning at runtime. Zero fields keep
// their current values; the ring size and snapshot path are fixed at
// construction.
func (m *Monitor) SetThresholds(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.FrequencyThreshold > 0 {
		m.cfg.FrequencyThreshold = cfg.FrequencyThreshold
	}
	if cfg.BurstThreshold > 0 {
		m.cfg.BurstThreshold = cfg.BurstThreshold
	}
	if cfg.AgentErrorThreshold > 0 {
		m.cfg.AgentErrorThreshold = cfg.AgentErrorThreshold
	}
	if cfg.CascadeThreshold > 0 {
		m.cfg.CascadeThreshold = cfg.CascadeThreshold
	}
	if cfg.CorrelationTimeout > 0 {
		m.cfg.CorrelationTimeout = cfg.CorrelationTimeout
	}
}

// Record ingests an error. Foreign errors are tagged first so every record
// carries the full taxonomy.
func (m *Monitor) Record(err error) {
	if err == nil {
		return
	}
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.Wrap(err, err.Error())
	}
	now := m.clk.Now().UTC()
	rec := Record{
		CorrelationID: fe.CorrelationID,
		Code:          fe.Code,
		Category:      fe.Category,
		Severity:      fe.Severity,
		Retryable:     fe.Retryable,
		Message:       fe.Message,
		Operation:     fe.Context.Operation,
		AgentID:       fe.Context.AgentID,
		TaskID:        fe.Context.TaskID,
		Integration:   fe.Context.Integration,
		Timestamp:     now,
	}

	var fired []Alert
	m.mu.Lock()
	m.push(rec)
	m.count(rec)
	m.correlate(rec, now)
	fired = m.detect(rec, now)
	m.mu.Unlock()

	for _, a := range fired {
		m.alerts.Publish(a)
	}
}

// push appends to the ring, evicting the oldest record once full.
func (m *Monitor) push(rec Record) {
	if len(m.ring) < cap(m.ring) {
		m.ring = append(m.ring, rec)
		m.byCorr[rec.CorrelationID] = len(m.ring) - 1
		return
	}
	m.filled = true
	old := m.ring[m.next]
	delete(m.byCorr, old.CorrelationID)
	m.ring[m.next] = rec
	m.byCorr[rec.CorrelationID] = m.next
	m.next = (m.next + 1) % cap(m.ring)
}

func (m *Monitor) count(rec Record) {
	m.metrics.Total++
	if rec.Retryable {
		m.metrics.Retryable++
	}
	if rec.Severity == fault.SeverityCritical {
		m.metrics.Critical++
	}
	m.metrics.ByCode[rec.Code]++
	m.metrics.ByCategory[rec.Category]++
	m.metrics.BySeverity[rec.Severity]++
	if rec.AgentID != "" {
		m.metrics.ByAgent[rec.AgentID]++
	}
	if rec.Operation != "" {
		m.metrics.ByOperation[rec.Operation]++
	}
	if rec.Integration != "" {
		m.metrics.ByIntegration[rec.Integration]++
	}
}

// correlate folds the record into its operation|agent|integration group.
func (m *Monitor) correlate(rec Record, now time.Time) {
	key := rec.Operation + "|" + rec.AgentID + "|" + rec.Integration
	g, ok := m.groups[key]
	if !ok || now.Sub(g.LastSeen) > m.cfg.CorrelationTimeout {
		g = &Group{Key: key, FirstSeen: now}
		m.groups[key] = g
	}
	g.Count++
	g.LastSeen = now
	g.CorrelationIDs = append(g.CorrelationIDs, rec.CorrelationID)
	if len(g.CorrelationIDs) > groupIDCap {
		g.CorrelationIDs = g.CorrelationIDs[len(g.CorrelationIDs)-groupIDCap:]
	}
}

// each visits every ring record in unspecified order. Callers hold m.mu.
func (m *Monitor) each(fn func(Record)) {
	for i := range m.ring {
		fn(m.ring[i])
	}
}

// Recent returns up to n records, newest first.
func (m *Monitor) Recent(n int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := len(m.ring)
	if n > size {
		n = size
	}
	out := make([]Record, 0, n)
	// Newest is just before m.next once the ring has wrapped.
	idx := len(m.ring) - 1
	if m.filled {
		idx = (m.next - 1 + size) % size
	}
	for i := 0; i < n; i++ {
		out = append(out, m.ring[(idx-i+size)%size])
	}
	return out
}

// ByCorrelation looks a record up by its correlation id while it remains in
// the ring.
func (m *Monitor) ByCorrelation(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.byCorr[id]
	if !ok {
		return Record{}, false
	}
	return m.ring[slot], true
}

// RatePerMinute is the count of errors ingested in the last minute.
func (m *Monitor) RatePerMinute() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ratePerMinuteLocked(m.clk.Now().UTC())
}

func (m *Monitor) ratePerMinuteLocked(now time.Time) float64 {
	cutoff := now.Add(-time.Minute)
	n := 0
	m.each(func(r Record) {
		if r.Timestamp.After(cutoff) {
			n++
		}
	})
	return float64(n)
}

// Groups returns correlation groups still active at the configured timeout,
// newest first.
func (m *Monitor) Groups() []Group {
	now := m.clk.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		if now.Sub(g.LastSeen) <= m.cfg.CorrelationTimeout {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}
