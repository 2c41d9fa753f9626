package store

import (
	"encoding/json"
	"fmt"
	"time"

	"senpai/pkg/senpai/character"
)

// TaskPriority is the task importance level.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "HIGH"
	PriorityMedium TaskPriority = "MEDIUM"
	PriorityLow    TaskPriority = "LOW"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p TaskPriority) bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
)

// ReminderType identifies what a task reminder is nudging about.
type ReminderType string

const (
	ReminderDeadline ReminderType = "DEADLINE"
	ReminderProgress ReminderType = "PROGRESS"
	ReminderStart    ReminderType = "START"
	ReminderFollowUp ReminderType = "FOLLOW_UP"
)

// ValidReminderType reports whether t is a known reminder type.
func ValidReminderType(t ReminderType) bool {
	switch t {
	case ReminderDeadline, ReminderProgress, ReminderStart, ReminderFollowUp:
		return true
	}
	return false
}

// InteractionType categorizes a logged character interaction.
type InteractionType string

const (
	InteractionTaskCreation     InteractionType = "TASK_CREATION"
	InteractionTaskCompletion   InteractionType = "TASK_COMPLETION"
	InteractionProgressUpdate   InteractionType = "PROGRESS_UPDATE"
	InteractionDeadlineReminder InteractionType = "DEADLINE_REMINDER"
	InteractionEncouragement    InteractionType = "ENCOURAGEMENT"
	InteractionPressure         InteractionType = "PRESSURE"
	InteractionPraise           InteractionType = "PRAISE"
	InteractionGeneralChat      InteractionType = "GENERAL_CHAT"
)

// ValidInteractionType reports whether t is a known interaction type.
func ValidInteractionType(t InteractionType) bool {
	switch t {
	case InteractionTaskCreation, InteractionTaskCompletion,
		InteractionProgressUpdate, InteractionDeadlineReminder,
		InteractionEncouragement, InteractionPressure,
		InteractionPraise, InteractionGeneralChat:
		return true
	}
	return false
}

// Role is a conversation message role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ValidRole reports whether r is a known message role.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// User is a platform user known to the assistant. Created lazily on first
// interaction.
type User struct {
	ID                  string
	ActiveCharacter     character.ID // "" when none chosen yet
	PressureLevel       int          // 1-5
	NotificationEnabled bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Task is a unit of work tracked for a user.
type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Deadline    *time.Time
	Priority    TaskPriority
	Status      TaskStatus
	Progress    int // 0-100; 100 iff Status == COMPLETED
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskReminder schedules a nudge about its parent task.
type TaskReminder struct {
	ID           string
	TaskID       string
	ReminderTime time.Time
	MessageType  ReminderType
	CreatedAt    time.Time
}

// DueReminder is a reminder joined with its parent task, as returned by
// DueReminders.
type DueReminder struct {
	Reminder TaskReminder
	Task     Task
}

// Conversation is a persisted thread between a user and a character.
type Conversation struct {
	ID                string
	UserID            string
	Character         character.ID
	TaskID            string // "" when not linked to a task
	PressureLevel     int
	RelationshipScore int // clamped to 0-100
	LastInteractionAt time.Time
	CreatedAt         time.Time

	// Messages is the ordered history (timestamp ascending). Populated by
	// GetConversation and LatestConversationByUser.
	Messages []ConversationMessage
}

// ToolCallRecord is one structured tool call stored with an assistant or
// tool message.
type ToolCallRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ConversationMessage is an immutable entry in a conversation's history.
type ConversationMessage struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	ToolCallID     string
	ToolCalls      []ToolCallRecord
	// Metadata is an opaque JSON blob; it round-trips byte-for-byte.
	Metadata  json.RawMessage
	Timestamp time.Time
}

// Interaction is an append-only record of a character/user exchange, kept
// for statistics.
type Interaction struct {
	ID        string
	UserID    string
	Character character.ID
	Type      InteractionType
	// Context is an opaque JSON blob; it round-trips byte-for-byte.
	Context   json.RawMessage
	CreatedAt time.Time
}

// Validation errors surfaced at the store boundary.
var (
	ErrInvalidPriority        = fmt.Errorf("invalid task priority")
	ErrInvalidStatus          = fmt.Errorf("invalid task status")
	ErrInvalidProgress        = fmt.Errorf("progress must be between 0 and 100")
	ErrInvalidPressureLevel   = fmt.Errorf("pressure level must be between 1 and 5")
	ErrInvalidReminderType    = fmt.Errorf("invalid reminder type")
	ErrInvalidInteractionType = fmt.Errorf("invalid interaction type")
	ErrInvalidRole            = fmt.Errorf("invalid message role")
	ErrNotFound               = fmt.Errorf("not found")
)

// Timestamps are stored as RFC3339Nano TEXT, which sorts lexicographically
// in UTC.
const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := decodeTime(*s)
	return &t
}
