// Package ledger persists the agent → assignment mapping. The file is the
// durable source of truth for who holds which task; every mutation rewrites
// it atomically so a crash never leaves a partial state.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/log"
)

var (
	// ErrAgentAssigned is returned by Add when the agent already holds a task.
	ErrAgentAssigned = errors.New("ledger: agent already has an assignment")
	// ErrTaskAssigned is returned by Add when another agent holds the task.
	ErrTaskAssigned = errors.New("ledger: task already assigned")
	// ErrNoAssignment is returned when the agent has no ledger entry.
	ErrNoAssignment = errors.New("ledger: no assignment for agent")
)

// Assignment is one ledger record.
type Assignment struct {
	TaskID             string        `json:"task_id"`
	AssignedAt         time.Time     `json:"assigned_at"`
	StatusAtAssignment kanban.Status `json:"status_at_assignment"`
	LastHeartbeat      time.Time     `json:"last_heartbeat"`
}

// Ledger is safe for concurrent use. Writes are serialized internally;
// reads return copies.
type Ledger struct {
	path string

	mu      sync.Mutex
	entries map[string]Assignment
}

// Open loads the ledger at path, starting empty when the file does not
// exist. A file that exists but cannot be parsed is an error: starting
// empty over live assignments would hand the same tasks out twice.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: make(map[string]Assignment)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug(log.CatLedger, "no ledger file, starting empty", "path", path)
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}

	log.Info(log.CatLedger, "ledger loaded", "path", path, "assignments", len(l.entries))
	return l, nil
}

// Add records a new assignment. The agent must be idle and the task must
// not be held by anyone else.
func (l *Ledger) Add(agentID string, rec Assignment) error {
	if agentID == "" || rec.TaskID == "" {
		return errors.New("ledger: agent id and task id are required")
	}
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = rec.AssignedAt
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[agentID]; ok {
		return fmt.Errorf("%w: %s", ErrAgentAssigned, agentID)
	}
	for holder, existing := range l.entries {
		if existing.TaskID == rec.TaskID {
			return fmt.Errorf("%w: %s held by %s", ErrTaskAssigned, rec.TaskID, holder)
		}
	}

	l.entries[agentID] = rec
	if err := l.saveLocked(); err != nil {
		delete(l.entries, agentID)
		return err
	}
	return nil
}

// Get returns the agent's assignment.
func (l *Ledger) Get(agentID string) (Assignment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.entries[agentID]
	return rec, ok
}

// All returns a copy of every entry keyed by agent id.
func (l *Ledger) All() map[string]Assignment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Assignment, len(l.entries))
	for id, rec := range l.entries {
		out[id] = rec
	}
	return out
}

// AssignedTaskIDs returns the set of task ids currently held.
func (l *Ledger) AssignedTaskIDs() map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]struct{}, len(l.entries))
	for _, rec := range l.entries {
		out[rec.TaskID] = struct{}{}
	}
	return out
}

// Remove deletes the agent's entry. Removing an absent agent is a no-op.
func (l *Ledger) Remove(agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok := l.entries[agentID]
	if !ok {
		return nil
	}
	delete(l.entries, agentID)
	if err := l.saveLocked(); err != nil {
		l.entries[agentID] = prev
		return err
	}
	return nil
}

// UpdateHeartbeat stamps the agent's last_heartbeat.
func (l *Ledger) UpdateHeartbeat(agentID string, ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.entries[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAssignment, agentID)
	}
	prev := rec
	rec.LastHeartbeat = ts
	l.entries[agentID] = rec
	if err := l.saveLocked(); err != nil {
		l.entries[agentID] = prev
		return err
	}
	return nil
}

// Len reports the number of active assignments.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fault.New(fault.Database, "failed to encode ledger",
			fault.WithCause(err), fault.WithOperation("ledger_save"))
	}
	if err := writeAtomic(l.path, data); err != nil {
		return fault.New(fault.Database, "failed to persist ledger",
			fault.WithCause(err), fault.WithOperation("ledger_save"),
			fault.WithCustom("path", l.path))
	}
	return nil
}

// writeAtomic writes via a temp file in the target directory, fsyncs, then
// renames over the destination.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
