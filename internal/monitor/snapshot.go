package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/log"
)

const (
	workerInterval  = 5 * time.Minute
	patternMaxAge   = 7 * 24 * time.Hour
	groupMaxAge     = 24 * time.Hour
	historyMaxEntry = 1000
	historyMaxDisk  = 100
)

// MetricsSnapshot is one point of the persisted metrics history.
type MetricsSnapshot struct {
	Timestamp     time.Time              `json:"timestamp"`
	Total         int                    `json:"total_errors"`
	RatePerMinute float64                `json:"rate_per_minute"`
	Critical      int                    `json:"critical"`
	ByCategory    map[fault.Category]int `json:"by_category,omitempty"`
}

// snapshotFile is the on-disk shape. The raw error ring stays in memory.
type snapshotFile struct {
	SavedAt  time.Time         `json:"saved_at"`
	Patterns []Pattern         `json:"patterns"`
	Groups   []Group           `json:"groups"`
	History  []MetricsSnapshot `json:"metrics_history"`
}

// loadSnapshot restores patterns, groups, and history from disk. Missing
// files are normal on first start; corrupt files are logged and skipped.
func (m *Monitor) loadSnapshot() {
	if m.cfg.SnapshotPath == "" {
		return
	}
	data, err := os.ReadFile(m.cfg.SnapshotPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn(log.CatMonitor, "snapshot unreadable, starting fresh", "path", m.cfg.SnapshotPath, "error", err)
		}
		return
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn(log.CatMonitor, "snapshot corrupt, starting fresh", "path", m.cfg.SnapshotPath, "error", err)
		return
	}
	m.mu.Lock()
	for i := range snap.Patterns {
		p := snap.Patterns[i]
		m.patterns[p.Key] = &p
	}
	for i := range snap.Groups {
		g := snap.Groups[i]
		m.groups[g.Key] = &g
	}
	m.history = snap.History
	m.mu.Unlock()
	log.Info(log.CatMonitor, "snapshot restored",
		"patterns", len(snap.Patterns), "groups", len(snap.Groups), "history", len(snap.History))
}

// Save writes the current snapshot to disk atomically.
func (m *Monitor) Save() error {
	if m.cfg.SnapshotPath == "" {
		return nil
	}
	now := m.clk.Now().UTC()

	m.mu.Lock()
	snap := snapshotFile{SavedAt: now}
	for _, p := range m.patterns {
		snap.Patterns = append(snap.Patterns, *p)
	}
	for _, g := range m.groups {
		snap.Groups = append(snap.Groups, *g)
	}
	// The in-memory history keeps more points than we persist; only the
	// newest hundred land on disk.
	hist := m.history
	if len(hist) > historyMaxDisk {
		hist = hist[len(hist)-historyMaxDisk:]
	}
	snap.History = append(snap.History, hist...)
	m.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal monitor snapshot: %w", err)
	}
	return writeAtomic(m.cfg.SnapshotPath, data)
}

// writeAtomic lands data via a temp file and rename so readers never see a
// partial snapshot.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// appendHistory records one metrics point and trims the history.
func (m *Monitor) appendHistory(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCat := make(map[fault.Category]int, len(m.metrics.ByCategory))
	for k, v := range m.metrics.ByCategory {
		byCat[k] = v
	}
	m.history = append(m.history, MetricsSnapshot{
		Timestamp:     now,
		Total:         m.metrics.Total,
		RatePerMinute: m.ratePerMinuteLocked(now),
		Critical:      m.metrics.Critical,
		ByCategory:    byCat,
	})
	if len(m.history) > historyMaxEntry {
		m.history = m.history[len(m.history)-historyMaxEntry:]
	}
}

// cleanup drops patterns older than a week and groups older than a day.
func (m *Monitor) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.patterns {
		if now.Sub(p.LastSeen) > patternMaxAge {
			delete(m.patterns, k)
		}
	}
	for k, g := range m.groups {
		if now.Sub(g.LastSeen) > groupMaxAge {
			delete(m.groups, k)
		}
	}
}

// History returns a copy of the persisted metrics history.
func (m *Monitor) History() []MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricsSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Run is the monitor's background worker: every five minutes it appends a
// metrics point, prunes stale patterns and groups, and persists the
// snapshot. It blocks until ctx is done, then saves one last time.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clk.NewTicker(workerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.Save(); err != nil {
				log.ErrorErr(log.CatMonitor, "final snapshot failed", err)
			}
			return
		case <-ticker.C():
			m.tick()
		}
	}
}

// tick runs one maintenance round.
func (m *Monitor) tick() {
	now := m.clk.Now().UTC()
	m.appendHistory(now)
	m.cleanup(now)
	if err := m.Save(); err != nil {
		log.ErrorErr(log.CatMonitor, "snapshot save failed", err)
	}
}
