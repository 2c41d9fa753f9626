package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"senpai/pkg/senpai/channels"
	"senpai/pkg/senpai/character"
	"senpai/pkg/senpai/store"
)

// fakeSender records DMs; it can be scripted to fail.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentDM
	fail error
}

type sentDM struct {
	userID  string
	content string
}

func (f *fakeSender) SendDM(ctx context.Context, userID string, m *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentDM{userID: userID, content: m.Content})
	return nil
}

func (f *fakeSender) messages() []sentDM {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentDM(nil), f.sent...)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(store.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, slog.Default())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedReminder creates a user, a task, and one reminder due at due.
func seedReminder(t *testing.T, st *store.Store, userID string, due time.Time) *store.TaskReminder {
	t.Helper()

	ctx := context.Background()
	if _, err := st.UpsertUser(ctx, userID); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	deadline := due.AddDate(0, 0, 1)
	task, err := st.CreateTask(ctx, store.CreateTaskInput{
		UserID:   userID,
		Title:    "統計学の課題",
		Deadline: &deadline,
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	rem, err := st.CreateReminder(ctx, store.CreateReminderInput{
		TaskID:       task.ID,
		ReminderTime: due,
		MessageType:  store.ReminderDeadline,
	})
	if err != nil {
		t.Fatalf("CreateReminder failed: %v", err)
	}
	return rem
}

func newTestScheduler(st *store.Store, sender Sender, at time.Time) *Scheduler {
	s := New(st, sender, Options{}, slog.Default())
	s.now = func() time.Time { return at }
	s.lastSweep = at.Add(-time.Minute)
	return s
}

func TestSweepDispatchesDueReminder(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{}
	ctx := context.Background()

	now := time.Now()
	rem := seedReminder(t, st, "u1", now.Add(-30*time.Second))

	s := newTestScheduler(st, sender, now)
	if err := s.SweepReminders(ctx); err != nil {
		t.Fatalf("SweepReminders failed: %v", err)
	}

	sent := sender.messages()
	if len(sent) != 1 {
		t.Fatalf("got %d DMs, want 1", len(sent))
	}
	if sent[0].userID != "u1" {
		t.Errorf("DM went to %q", sent[0].userID)
	}
	if !strings.Contains(sent[0].content, "統計学の課題") {
		t.Errorf("DM = %q, want it to name the task", sent[0].content)
	}

	// Fired reminders are deleted and never fire again.
	due, err := st.DueReminders(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DueReminders failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("reminder %s still present after dispatch", rem.ID)
	}

	_, summary, err := st.InteractionHistory(ctx, "u1", character.Default)
	if err != nil {
		t.Fatalf("InteractionHistory failed: %v", err)
	}
	if summary.TypeCounts[store.InteractionDeadlineReminder] != 1 {
		t.Errorf("reminder interaction not recorded: %+v", summary.TypeCounts)
	}
}

func TestSweepSkipsRemindersOutsideWindow(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{}

	now := time.Now()
	seedReminder(t, st, "u1", now.Add(time.Hour)) // not due yet

	s := newTestScheduler(st, sender, now)
	if err := s.SweepReminders(context.Background()); err != nil {
		t.Fatalf("SweepReminders failed: %v", err)
	}
	if got := sender.messages(); len(got) != 0 {
		t.Errorf("future reminder dispatched: %+v", got)
	}
}

func TestSweepDropsReminderWhenNotificationsDisabled(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{}
	ctx := context.Background()

	now := time.Now()
	seedReminder(t, st, "u1", now.Add(-30*time.Second))
	if _, err := st.SetNotificationEnabled(ctx, "u1", false); err != nil {
		t.Fatalf("SetNotificationEnabled failed: %v", err)
	}

	s := newTestScheduler(st, sender, now)
	if err := s.SweepReminders(ctx); err != nil {
		t.Fatalf("SweepReminders failed: %v", err)
	}

	if got := sender.messages(); len(got) != 0 {
		t.Errorf("muted user received a DM: %+v", got)
	}
	// The row is still consumed.
	due, err := st.DueReminders(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DueReminders failed: %v", err)
	}
	if len(due) != 0 {
		t.Error("muted reminder was not deleted")
	}
}

func TestSweepReschedulesOnDeliveryFailure(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{fail: channels.ErrSendFailed}
	ctx := context.Background()

	now := time.Now()
	rem := seedReminder(t, st, "u1", now.Add(-30*time.Second))

	s := newTestScheduler(st, sender, now)
	if err := s.SweepReminders(ctx); err != nil {
		t.Fatalf("SweepReminders failed: %v", err)
	}

	// The reminder survives, pushed past the current sweep window.
	due, err := st.DueReminders(ctx, now, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DueReminders failed: %v", err)
	}
	if len(due) != 1 || due[0].Reminder.ID != rem.ID {
		t.Fatalf("rescheduled reminder not found in the next window: %+v", due)
	}

	// Delivery recovers on the retry.
	sender.fail = nil
	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if err := s.SweepReminders(ctx); err != nil {
		t.Fatalf("retry sweep failed: %v", err)
	}
	if got := sender.messages(); len(got) != 1 {
		t.Errorf("got %d DMs after retry, want 1", len(got))
	}
}

func TestCleanupConversations(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.UpsertUser(ctx, "u1"); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if _, err := st.CreateConversation(ctx, store.CreateConversationInput{
		UserID:        "u1",
		Character:     character.Reina,
		PressureLevel: 3,
	}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	// Retention far in the future: everything is stale.
	s := New(st, &fakeSender{}, Options{Retention: time.Nanosecond}, slog.Default())
	s.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	if err := s.CleanupConversations(ctx); err != nil {
		t.Fatalf("CleanupConversations failed: %v", err)
	}

	if _, err := st.LatestConversationByUser(ctx, "u1"); err == nil {
		t.Error("stale conversation survived cleanup")
	}
}

func TestReminderMessageRendering(t *testing.T) {
	profile, _ := character.Lookup(character.Kujo)
	deadline := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)

	due := &store.DueReminder{
		Reminder: store.TaskReminder{MessageType: store.ReminderDeadline},
		Task:     store.Task{Title: "卒論", Deadline: &deadline, Progress: 40},
	}

	msg := reminderMessage(profile, due)
	if !strings.Contains(msg, profile.Name) {
		t.Errorf("message %q does not carry the character name", msg)
	}
	if !strings.Contains(msg, "卒論") || !strings.Contains(msg, "2026-09-10") {
		t.Errorf("message %q does not carry the task facts", msg)
	}

	due.Reminder.MessageType = store.ReminderProgress
	if msg := reminderMessage(profile, due); !strings.Contains(msg, "40%") {
		t.Errorf("progress message %q does not carry the progress", msg)
	}

	due.Reminder.MessageType = store.ReminderFollowUp
	if msg := reminderMessage(profile, due); !strings.Contains(msg, "卒論") {
		t.Errorf("follow-up message %q does not carry the task title", msg)
	}
}
