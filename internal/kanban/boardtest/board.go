// Package boardtest provides an in-memory scriptable Provider for tests:
// deterministic ids, per-method call counts, and queued failures.
package boardtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/kanban"
)

// Method names accepted by FailNext and Calls.
const (
	MethodConnect        = "Connect"
	MethodDisconnect     = "Disconnect"
	MethodAvailableTasks = "AvailableTasks"
	MethodAllTasks       = "AllTasks"
	MethodTaskByID       = "TaskByID"
	MethodUpdateTask     = "UpdateTask"
	MethodAddComment     = "AddComment"
	MethodCreateTask     = "CreateTask"
	MethodBoardSummary   = "BoardSummary"
)

// Board is a fake kanban backend.
type Board struct {
	mu        sync.Mutex
	tasks     map[string]kanban.Task
	comments  map[string][]string
	calls     map[string]int
	failures  map[string][]error
	connected bool
	nextID    int

	// NowFunc stamps created/updated times; defaults to time.Now.
	NowFunc func() time.Time
	// NoCreate makes the board advertise itself as read-only: the
	// capability probe reports false and CreateTask refuses.
	NoCreate bool
}

// New builds a board seeded with tasks.
func New(tasks ...kanban.Task) *Board {
	b := &Board{
		tasks:    make(map[string]kanban.Task),
		comments: make(map[string][]string),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		NowFunc:  time.Now,
	}
	for _, t := range tasks {
		b.tasks[t.ID] = t
	}
	return b
}

// FailNext queues errors for a method; each call consumes one until the
// queue drains, then calls succeed again.
func (b *Board) FailNext(method string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = append(b.failures[method], errs...)
}

// Calls reports how many times a method ran, including scripted failures.
func (b *Board) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// SetTask inserts or replaces a task directly, bypassing call accounting.
func (b *Board) SetTask(t kanban.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[t.ID] = t
}

// Task reads a task directly.
func (b *Board) Task(id string) (kanban.Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	return t, ok
}

// Comments reads a task's comment log.
func (b *Board) Comments(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.comments[id]))
	copy(out, b.comments[id])
	return out
}

// begin counts the call and pops a scripted failure if one is queued.
// Callers hold b.mu.
func (b *Board) begin(method string) error {
	b.calls[method]++
	queue := b.failures[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	b.failures[method] = queue[1:]
	return err
}

func (b *Board) Name() string { return "test" }

// SupportsCreate implements the kanban capability probe.
func (b *Board) SupportsCreate() bool { return !b.NoCreate }

func (b *Board) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(MethodConnect); err != nil {
		return err
	}
	b.connected = true
	return nil
}

func (b *Board) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(MethodDisconnect); err != nil {
		return err
	}
	b.connected = false
	return nil
}

// Connected reports the lifecycle state.
func (b *Board) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Board) AvailableTasks(ctx context.Context) ([]kanban.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(MethodAvailableTasks); err != nil {
		return nil, err
	}
	var out []kanban.Task
	for _, t := range b.tasks {
		if t.Status == kanban.StatusTodo && t.AssignedTo == "" {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Board) AllTasks(ctx context.Context) ([]kanban.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(MethodAllTasks); err != nil {
		return nil, err
	}
	out := make([]kanban.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Board) TaskByID(ctx context.Context, id string) (kanban.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(MethodTaskByID); err != nil {
		return kanban.Task{}, err
	}
	t, ok := b.tasks[id]
	if !ok {
		return kanban.Task{}, kanban.ErrNotFound
	}
	return t, nil
}

func (b *Board) UpdateTask(ctx context.Context, id string, update kanban.TaskUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(MethodUpdateTask); err != nil {
		return err
	}
	t, ok := b.tasks[id]
	if !ok {
		return kanban.ErrNotFound
	}
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.AssignedTo != nil {
		t.AssignedTo = *update.AssignedTo
	}
	if update.Blocker != nil {
		b.comments[id] = append(b.comments[id], "blocker: "+*update.Blocker)
	}
	t.UpdatedAt = b.NowFunc()
	b.tasks[id] = t
	return nil
}

func (b *Board) AddComment(ctx context.Context, id, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(MethodAddComment); err != nil {
		return err
	}
	if _, ok := b.tasks[id]; !ok {
		return kanban.ErrNotFound
	}
	b.comments[id] = append(b.comments[id], text)
	return nil
}

func (b *Board) CreateTask(ctx context.Context, data kanban.NewTask) (kanban.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(MethodCreateTask); err != nil {
		return kanban.Task{}, err
	}
	if b.NoCreate {
		return kanban.Task{}, kanban.ErrNotSupported
	}
	b.nextID++
	now := b.NowFunc()
	t := kanban.Task{
		ID:             fmt.Sprintf("T%03d", b.nextID),
		Name:           data.Name,
		Description:    data.Description,
		Status:         kanban.StatusTodo,
		Priority:       data.Priority,
		Labels:         data.Labels,
		Dependencies:   data.Dependencies,
		EstimatedHours: data.EstimatedHours,
		DueDate:        data.DueDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Priority == "" {
		t.Priority = kanban.PriorityMedium
	}
	b.tasks[t.ID] = t
	return t, nil
}

func (b *Board) BoardSummary(ctx context.Context) (kanban.Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(MethodBoardSummary); err != nil {
		return kanban.Summary{}, err
	}
	var s kanban.Summary
	for _, t := range b.tasks {
		s.TotalCards++
		switch t.Status {
		case kanban.StatusDone:
			s.DoneCount++
		case kanban.StatusInProgress:
			s.InProgressCount++
		case kanban.StatusBlocked:
			s.BlockedCount++
		default:
			s.BacklogCount++
		}
	}
	return s, nil
}
