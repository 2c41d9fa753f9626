// Package scheduler runs the background jobs: sweeping due task
// reminders into character-voiced notifications and cleaning up stale
// conversations. Uses robfig/cron for schedule parsing and execution.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"senpai/pkg/senpai/channels"
	"senpai/pkg/senpai/character"
	"senpai/pkg/senpai/store"
)

// Sender delivers a notification directly to a user.
type Sender interface {
	SendDM(ctx context.Context, userID string, message *channels.OutgoingMessage) error
}

// Options configures the scheduler jobs.
type Options struct {
	// ReminderSpec is the cron expression for the reminder sweep.
	ReminderSpec string

	// CleanupSpec is the cron expression for retention cleanup.
	CleanupSpec string

	// Retention is how long inactive conversations are kept.
	Retention time.Duration
}

// Scheduler owns the cron loop and the sweep window bookkeeping.
type Scheduler struct {
	store  *store.Store
	sender Sender
	cron   *cron.Cron
	opts   Options
	logger *slog.Logger

	// lastSweep is the exclusive upper bound of the previous reminder
	// window, so consecutive sweeps never fire the same reminder twice
	// and never skip one that fell between ticks.
	mu        sync.Mutex
	lastSweep time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a scheduler. Jobs do not run until Start.
func New(st *store.Store, sender Sender, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReminderSpec == "" {
		opts.ReminderSpec = "* * * * *"
	}
	if opts.CleanupSpec == "" {
		opts.CleanupSpec = "30 4 * * *"
	}
	if opts.Retention <= 0 {
		opts.Retention = 90 * 24 * time.Hour
	}

	return &Scheduler{
		store:  st,
		sender: sender,
		cron:   cron.New(),
		opts:   opts,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.lastSweep = s.now()
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.opts.ReminderSpec, func() {
		if err := s.SweepReminders(ctx); err != nil {
			s.logger.Error("reminder sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("registering reminder sweep: %w", err)
	}

	if _, err := s.cron.AddFunc(s.opts.CleanupSpec, func() {
		if err := s.CleanupConversations(ctx); err != nil {
			s.logger.Error("retention cleanup failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("registering retention cleanup: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"reminder_spec", s.opts.ReminderSpec,
		"cleanup_spec", s.opts.CleanupSpec,
		"retention", s.opts.Retention)
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// SweepReminders fires every reminder that came due since the previous
// sweep. A fired reminder is deleted so it can never fire again; a
// failed delivery keeps the row and is retried on the next sweep.
func (s *Scheduler) SweepReminders(ctx context.Context) error {
	s.mu.Lock()
	start := s.lastSweep
	end := s.now()
	s.lastSweep = end
	s.mu.Unlock()

	due, err := s.store.DueReminders(ctx, start, end)
	if err != nil {
		return fmt.Errorf("querying due reminders: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	s.logger.Info("dispatching due reminders", "count", len(due))

	for _, d := range due {
		if err := s.dispatch(ctx, d); err != nil {
			s.logger.Error("reminder dispatch failed",
				"reminder", d.Reminder.ID, "task", d.Task.ID, "error", err)
			// Keep the row; the next sweep window misses it, so push the
			// reminder time forward to the next minute for retry.
			if _, uerr := s.store.UpdateReminderTime(ctx, d.Reminder.ID, end.Add(time.Minute)); uerr != nil {
				s.logger.Error("reminder reschedule failed",
					"reminder", d.Reminder.ID, "error", uerr)
			}
		}
	}
	return nil
}

// dispatch turns one due reminder into a character-voiced notification.
func (s *Scheduler) dispatch(ctx context.Context, d *store.DueReminder) error {
	user, err := s.store.GetUser(ctx, d.Task.UserID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	if !user.NotificationEnabled {
		s.logger.Debug("notifications disabled, dropping reminder",
			"user", user.ID, "reminder", d.Reminder.ID)
		return s.store.DeleteReminder(ctx, d.Reminder.ID)
	}

	cid := user.ActiveCharacter
	if cid == "" {
		cid = character.Default
	}
	profile, ok := character.Lookup(cid)
	if !ok {
		profile, _ = character.Lookup(character.Default)
	}

	content := reminderMessage(profile, d)
	if err := s.sender.SendDM(ctx, user.ID, &channels.OutgoingMessage{Content: content}); err != nil {
		return fmt.Errorf("sending reminder: %w", err)
	}

	if err := s.store.DeleteReminder(ctx, d.Reminder.ID); err != nil {
		return fmt.Errorf("deleting fired reminder: %w", err)
	}

	interactionCtx, _ := json.Marshal(map[string]string{
		"task_id": d.Task.ID,
		"type":    string(d.Reminder.MessageType),
	})
	if _, err := s.store.RecordInteraction(ctx, store.RecordInteractionInput{
		UserID:    user.ID,
		Character: profile.ID,
		Type:      store.InteractionDeadlineReminder,
		Context:   interactionCtx,
	}); err != nil {
		s.logger.Warn("interaction record failed", "user", user.ID, "error", err)
	}
	return nil
}

// CleanupConversations deletes conversations idle past the retention
// window.
func (s *Scheduler) CleanupConversations(ctx context.Context) error {
	cutoff := s.now().Add(-s.opts.Retention)
	deleted, err := s.store.DeleteConversationsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("deleting stale conversations: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("stale conversations removed",
			"count", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}

// reminderMessage renders a due reminder in the character's voice.
func reminderMessage(profile character.Profile, d *store.DueReminder) string {
	deadline := ""
	if d.Task.Deadline != nil {
		deadline = d.Task.Deadline.Format("2006-01-02")
	}

	switch d.Reminder.MessageType {
	case store.ReminderDeadline:
		return fmt.Sprintf("【%s】「%s」の締切が明日（%s）ですよ！間に合いそうですか？",
			profile.Name, d.Task.Title, deadline)
	case store.ReminderProgress:
		return fmt.Sprintf("【%s】「%s」の締切まであと一週間です。いまの進捗は %d%% ですね。計画どおり進んでいますか？",
			profile.Name, d.Task.Title, d.Task.Progress)
	case store.ReminderStart:
		return fmt.Sprintf("【%s】「%s」、そろそろ始めるころですよ。",
			profile.Name, d.Task.Title)
	default:
		return fmt.Sprintf("【%s】「%s」の様子はどうですか？",
			profile.Name, d.Task.Title)
	}
}
