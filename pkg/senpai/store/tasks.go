package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTaskInput holds the fields for a new task.
type CreateTaskInput struct {
	UserID      string
	Title       string
	Description string
	Deadline    *time.Time
	Priority    TaskPriority // "" defaults to MEDIUM
}

// UpdateTaskInput holds optional task field updates. Nil fields are left
// unchanged.
type UpdateTaskInput struct {
	Title         *string
	Description   *string
	Deadline      *time.Time
	ClearDeadline bool
	Priority      *TaskPriority
}

// CreateTask inserts a new task in PENDING state with zero progress.
func (s *Store) CreateTask(ctx context.Context, input CreateTaskInput) (*Task, error) {
	priority := input.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !ValidPriority(priority) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, input.Priority)
	}

	now := time.Now()
	task := &Task{
		ID:          uuid.NewString(),
		UserID:      input.UserID,
		Title:       input.Title,
		Description: input.Description,
		Deadline:    input.Deadline,
		Priority:    priority,
		Status:      StatusPending,
		Progress:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, title, description, deadline, priority, status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.Title, task.Description,
		encodeTimePtr(task.Deadline), string(task.Priority), string(task.Status),
		task.Progress, encodeTime(now), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.logger.Info("task created", "task_id", task.ID, "user_id", task.UserID, "priority", task.Priority)
	return task, nil
}

// GetTask returns the task, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTaskRow(row)
}

// ListTasks returns all of the user's tasks ordered by deadline ascending,
// then creation time descending.
func (s *Store) ListTasks(ctx context.Context, userID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE user_id = ?
		ORDER BY deadline IS NULL, deadline ASC, created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListUpcomingTasks returns the user's unfinished tasks with a deadline
// within the next days, soonest first.
func (s *Store) ListUpcomingTasks(ctx context.Context, userID string, days int) ([]*Task, error) {
	now := time.Now()
	horizon := now.AddDate(0, 0, days)
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE user_id = ?
		  AND deadline IS NOT NULL
		  AND deadline > ? AND deadline <= ?
		  AND status != ?
		ORDER BY deadline ASC`,
		userID, encodeTime(now), encodeTime(horizon), string(StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("list upcoming tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTask applies the non-nil fields of input. Changing the deadline
// does not touch reminders; callers that care re-derive them via
// CreateDefaultReminders after DeleteRemindersByTask.
func (s *Store) UpdateTask(ctx context.Context, id string, input UpdateTaskInput) (*Task, error) {
	if input.Priority != nil && !ValidPriority(*input.Priority) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, *input.Priority)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.Title != nil {
		task.Title = *input.Title
	}
	if input.Description != nil {
		task.Description = *input.Description
	}
	if input.ClearDeadline {
		task.Deadline = nil
	} else if input.Deadline != nil {
		task.Deadline = input.Deadline
	}
	if input.Priority != nil {
		task.Priority = *input.Priority
	}
	task.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, deadline = ?, priority = ?, updated_at = ?
		WHERE id = ?`,
		task.Title, task.Description, encodeTimePtr(task.Deadline),
		string(task.Priority), encodeTime(task.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return task, nil
}

// UpdateProgress sets the task's progress and recomputes its status in one
// transaction: 100 completes the task, anything above zero marks it in
// progress, zero leaves the status as it was.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) (*Task, error) {
	if progress < 0 || progress > 100 {
		return nil, ErrInvalidProgress
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin progress update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	task, err := scanTaskRow(row)
	if err != nil {
		return nil, err
	}

	status := task.Status
	switch {
	case progress >= 100:
		status = StatusCompleted
	case progress > 0:
		status = StatusInProgress
	}

	task.Progress = progress
	task.Status = status
	task.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET progress = ?, status = ?, updated_at = ? WHERE id = ?`,
		progress, string(status), encodeTime(task.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit progress update: %w", err)
	}

	s.logger.Info("task progress updated", "task_id", id, "progress", progress, "status", status)
	return task, nil
}

// CompleteTask marks the task completed with full progress.
func (s *Store) CompleteTask(ctx context.Context, id string) (*Task, error) {
	return s.UpdateProgress(ctx, id, 100)
}

// DeleteTask removes the task. Its reminders cascade.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskSelect = `
	SELECT id, user_id, title, description, deadline, priority, status, progress, created_at, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc rowScanner) (*Task, error) {
	var (
		t         Task
		deadline  *string
		priority  string
		status    string
		createdAt string
		updatedAt string
	)
	err := sc.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &deadline,
		&priority, &status, &t.Progress, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Deadline = decodeTimePtr(deadline)
	t.Priority = TaskPriority(priority)
	t.Status = TaskStatus(status)
	t.CreatedAt = decodeTime(createdAt)
	t.UpdatedAt = decodeTime(updatedAt)
	return &t, nil
}

func scanTaskRow(row *sql.Row) (*Task, error) {
	return scanTask(row)
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
