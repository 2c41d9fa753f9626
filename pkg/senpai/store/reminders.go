package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateReminderInput holds the fields for a new reminder.
type CreateReminderInput struct {
	TaskID       string
	ReminderTime time.Time
	MessageType  ReminderType
}

// CreateReminder inserts a reminder for an existing task.
func (s *Store) CreateReminder(ctx context.Context, input CreateReminderInput) (*TaskReminder, error) {
	if !ValidReminderType(input.MessageType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReminderType, input.MessageType)
	}
	if _, err := s.GetTask(ctx, input.TaskID); err != nil {
		return nil, err
	}

	r := &TaskReminder{
		ID:           uuid.NewString(),
		TaskID:       input.TaskID,
		ReminderTime: input.ReminderTime,
		MessageType:  input.MessageType,
		CreatedAt:    time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_reminders (id, task_id, reminder_time, message_type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, encodeTime(r.ReminderTime), string(r.MessageType), encodeTime(r.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}
	return r, nil
}

// CreateDefaultReminders derives reminders from the task's deadline: a
// DEADLINE nudge the day before and a PROGRESS check a week before, each
// only if that moment is still in the future. A near deadline can yield
// zero reminders.
func (s *Store) CreateDefaultReminders(ctx context.Context, taskID string) ([]*TaskReminder, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Deadline == nil {
		return nil, fmt.Errorf("task %s has no deadline: %w", taskID, ErrNotFound)
	}

	now := time.Now()
	var created []*TaskReminder

	dayBefore := task.Deadline.AddDate(0, 0, -1)
	if dayBefore.After(now) {
		r, err := s.CreateReminder(ctx, CreateReminderInput{
			TaskID:       taskID,
			ReminderTime: dayBefore,
			MessageType:  ReminderDeadline,
		})
		if err != nil {
			return nil, err
		}
		created = append(created, r)
	}

	weekBefore := task.Deadline.AddDate(0, 0, -7)
	if weekBefore.After(now) {
		r, err := s.CreateReminder(ctx, CreateReminderInput{
			TaskID:       taskID,
			ReminderTime: weekBefore,
			MessageType:  ReminderProgress,
		})
		if err != nil {
			return nil, err
		}
		created = append(created, r)
	}

	return created, nil
}

// DeleteReminder removes a single reminder.
func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRemindersByTask removes all reminders for the task and returns the
// number removed. Used when a deadline changes.
func (s *Store) DeleteRemindersByTask(ctx context.Context, taskID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_reminders WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete reminders: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListRemindersByTask returns the task's reminders ordered by time.
func (s *Store) ListRemindersByTask(ctx context.Context, taskID string) ([]*TaskReminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, reminder_time, message_type, created_at
		FROM task_reminders WHERE task_id = ?
		ORDER BY reminder_time ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*TaskReminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// UpdateReminderTime reschedules a reminder.
func (s *Store) UpdateReminderTime(ctx context.Context, id string, newTime time.Time) (*TaskReminder, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_reminders SET reminder_time = ? WHERE id = ?`,
		encodeTime(newTime), id)
	if err != nil {
		return nil, fmt.Errorf("update reminder time: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, reminder_time, message_type, created_at
		FROM task_reminders WHERE id = ?`, id)
	return scanReminder(row)
}

// DueReminders returns reminders scheduled in [start, end), each joined
// with its parent task, ordered by reminder time.
func (s *Store) DueReminders(ctx context.Context, start, end time.Time) ([]*DueReminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.task_id, r.reminder_time, r.message_type, r.created_at,
		       t.id, t.user_id, t.title, t.description, t.deadline, t.priority, t.status, t.progress, t.created_at, t.updated_at
		FROM task_reminders r
		JOIN tasks t ON t.id = r.task_id
		WHERE r.reminder_time >= ? AND r.reminder_time < ?
		ORDER BY r.reminder_time ASC`,
		encodeTime(start), encodeTime(end))
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	defer rows.Close()

	var due []*DueReminder
	for rows.Next() {
		var (
			r           TaskReminder
			t           Task
			remTime     string
			remType     string
			remCreated  string
			deadline    *string
			priority    string
			status      string
			taskCreated string
			taskUpdated string
		)
		err := rows.Scan(&r.ID, &r.TaskID, &remTime, &remType, &remCreated,
			&t.ID, &t.UserID, &t.Title, &t.Description, &deadline,
			&priority, &status, &t.Progress, &taskCreated, &taskUpdated)
		if err != nil {
			return nil, fmt.Errorf("scan due reminder: %w", err)
		}
		r.ReminderTime = decodeTime(remTime)
		r.MessageType = ReminderType(remType)
		r.CreatedAt = decodeTime(remCreated)
		t.Deadline = decodeTimePtr(deadline)
		t.Priority = TaskPriority(priority)
		t.Status = TaskStatus(status)
		t.CreatedAt = decodeTime(taskCreated)
		t.UpdatedAt = decodeTime(taskUpdated)
		due = append(due, &DueReminder{Reminder: r, Task: t})
	}
	return due, rows.Err()
}

func scanReminder(sc rowScanner) (*TaskReminder, error) {
	var (
		r         TaskReminder
		remTime   string
		remType   string
		createdAt string
	)
	err := sc.Scan(&r.ID, &r.TaskID, &remTime, &remType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder: %w", err)
	}
	r.ReminderTime = decodeTime(remTime)
	r.MessageType = ReminderType(remType)
	r.CreatedAt = decodeTime(createdAt)
	return &r, nil
}
