package kanban

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound means the board has no task with the given id.
	ErrNotFound = errors.New("kanban: task not found")
	// ErrNotSupported means the backend lacks the requested capability.
	ErrNotSupported = errors.New("kanban: operation not supported by this provider")
)

// TaskUpdate is a partial task mutation. Nil fields stay unchanged; an
// AssignedTo pointing at an empty string clears the assignee.
type TaskUpdate struct {
	Status     *Status
	Progress   *int
	Blocker    *string
	AssignedTo *string
}

// NewTask is the payload for task creation.
type NewTask struct {
	Name           string
	Description    string
	Priority       Priority
	Labels         []string
	Dependencies   []string
	EstimatedHours float64
	DueDate        *time.Time
}

// Summary is the board-level rollup.
type Summary struct {
	TotalCards      int `json:"totalCards"`
	DoneCount       int `json:"doneCount"`
	InProgressCount int `json:"inProgressCount"`
	BlockedCount    int `json:"blockedCount"`
	BacklogCount    int `json:"backlogCount"`
}

// Provider is the full capability set the server needs from a board.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name identifies the backend, e.g. "local".
	Name() string
	// Connect and Disconnect are idempotent.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// AvailableTasks returns unassigned TODO tasks.
	AvailableTasks(ctx context.Context) ([]Task, error)
	AllTasks(ctx context.Context) ([]Task, error)
	TaskByID(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	AddComment(ctx context.Context, id, text string) error
	CreateTask(ctx context.Context, data NewTask) (Task, error)
	BoardSummary(ctx context.Context) (Summary, error)
}

// Capabilities is an optional interface a Provider may implement to
// advertise which operations it actually backs. Backends that do not
// implement it are assumed to support everything.
type Capabilities interface {
	SupportsCreate() bool
}

// SupportsCreate reports whether the provider can create tasks. The server
// probes this at startup so a read-only board fails fast instead of on the
// first create_project call.
func SupportsCreate(p Provider) bool {
	c, ok := p.(Capabilities)
	if !ok {
		return true
	}
	return c.SupportsCreate()
}

// StatusPtr is a convenience for building TaskUpdates.
func StatusPtr(s Status) *Status { return &s }

// StringPtr is a convenience for building TaskUpdates.
func StringPtr(s string) *string { return &s }

// IntPtr is a convenience for building TaskUpdates.
func IntPtr(n int) *int { return &n }
