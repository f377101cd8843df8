// Package local provides the built-in SQLite board backend. It is the
// default provider for single-machine deployments where no external kanban
// integration is configured.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/log"
)

// Store is a kanban.Provider backed by a local SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

var _ kanban.Provider = (*Store)(nil)

// Open opens (creating if necessary) the board database at path and applies
// any pending schema migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create board directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open board database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping board database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info(log.CatDB, "local board opened", "path", path)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Name() string { return "local" }

func (s *Store) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach board database: %w", err)
	}
	return nil
}

// Disconnect is a no-op; the pooled connection stays open until Close.
func (s *Store) Disconnect(ctx context.Context) error { return nil }

// Close releases the underlying database. The store is unusable afterwards.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) AvailableTasks(ctx context.Context) ([]kanban.Task, error) {
	return s.queryTasks(ctx, `WHERE t.status = ? AND t.assigned_to = ''`, string(kanban.StatusTodo))
}

func (s *Store) AllTasks(ctx context.Context) ([]kanban.Task, error) {
	return s.queryTasks(ctx, ``)
}

func (s *Store) queryTasks(ctx context.Context, where string, args ...any) ([]kanban.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks t %s ORDER BY t.id`, taskColumns, where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []kanban.Task
	for rows.Next() {
		m, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task, err := m.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) TaskByID(ctx context.Context, id string) (kanban.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks t WHERE t.id = ?`, taskColumns)
	m, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return kanban.Task{}, fmt.Errorf("%w: %s", kanban.ErrNotFound, id)
	}
	if err != nil {
		return kanban.Task{}, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return m.toTask()
}

func (s *Store) UpdateTask(ctx context.Context, id string, update kanban.TaskUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().Unix()}

	if update.Status != nil {
		if _, err := kanban.ParseStatus(string(*update.Status)); err != nil {
			return err
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, *update.AssignedTo)
	}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.Blocker != nil {
		sets = append(sets, "blocker = ?")
		args = append(args, *update.Blocker)
	}
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin task update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check task update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", kanban.ErrNotFound, id)
	}

	if update.Blocker != nil && *update.Blocker != "" {
		if err := insertComment(ctx, tx, id, "blocker: "+*update.Blocker); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) AddComment(ctx context.Context, id, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin comment insert: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", kanban.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to check task %s: %w", id, err)
	}
	if err := insertComment(ctx, tx, id, body); err != nil {
		return err
	}
	return tx.Commit()
}

func insertComment(ctx context.Context, tx *sql.Tx, id, body string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_comments (task_id, body, created_at) VALUES (?, ?, ?)`,
		id, body, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add comment to task %s: %w", id, err)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, data kanban.NewTask) (kanban.Task, error) {
	if strings.TrimSpace(data.Name) == "" {
		return kanban.Task{}, errors.New("local: task name is required")
	}
	priority := kanban.ParsePriority(string(data.Priority))
	id := "T-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kanban.Task{}, fmt.Errorf("failed to begin task insert: %w", err)
	}
	defer tx.Rollback()

	var due *int64
	if data.DueDate != nil {
		unix := data.DueDate.Unix()
		due = &unix
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, name, description, status, priority, estimated_hours, due_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, data.Name, data.Description, string(kanban.StatusTodo), string(priority),
		data.EstimatedHours, due, now, now)
	if err != nil {
		return kanban.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	for _, label := range data.Labels {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_labels (task_id, label) VALUES (?, ?)`, id, label); err != nil {
			return kanban.Task{}, fmt.Errorf("failed to insert label: %w", err)
		}
	}
	for i, dep := range data.Dependencies {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id, position) VALUES (?, ?, ?)`,
			id, dep, i); err != nil {
			return kanban.Task{}, fmt.Errorf("failed to insert dependency: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return kanban.Task{}, fmt.Errorf("failed to commit task insert: %w", err)
	}

	log.Debug(log.CatDB, "task created", "task_id", id, "name", data.Name)
	return s.TaskByID(ctx, id)
}

func (s *Store) BoardSummary(ctx context.Context) (kanban.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return kanban.Summary{}, fmt.Errorf("failed to query board summary: %w", err)
	}
	defer rows.Close()

	var summary kanban.Summary
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return kanban.Summary{}, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summary.TotalCards += count
		switch kanban.Status(status) {
		case kanban.StatusTodo:
			summary.BacklogCount += count
		case kanban.StatusInProgress:
			summary.InProgressCount += count
		case kanban.StatusBlocked:
			summary.BlockedCount += count
		case kanban.StatusDone:
			summary.DoneCount += count
		}
	}
	if err := rows.Err(); err != nil {
		return kanban.Summary{}, fmt.Errorf("failed to iterate summary: %w", err)
	}
	return summary, nil
}

// Comments returns a task's comment bodies in insertion order.
func (s *Store) Comments(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM task_comments WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	var comments []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate comments: %w", err)
	}
	return comments, nil
}
