// Package store persists senpai's entities (users, tasks, reminders,
// conversations, interactions) in SQLite. The store handle is explicitly
// constructed and passed to its consumers; there is no ambient global
// connection.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds SQLite configuration.
type Config struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// JournalMode is the SQLite journal mode (default WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the lock wait timeout in milliseconds.
	BusyTimeout int `yaml:"busy_timeout"`
}

// Store wraps the SQLite connection and exposes the persistence operations.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database, applies the schema, and returns a
// ready Store.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/senpai.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	// Foreign keys are always on: reminder and message rows cascade with
	// their parent task/conversation.
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema. All statements are idempotent.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                   TEXT PRIMARY KEY,
    active_character_id  TEXT DEFAULT '',
    pressure_level       INTEGER NOT NULL DEFAULT 3,
    notification_enabled INTEGER NOT NULL DEFAULT 1,
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    title       TEXT NOT NULL,
    description TEXT DEFAULT '',
    deadline    TEXT,
    priority    TEXT NOT NULL DEFAULT 'MEDIUM',
    status      TEXT NOT NULL DEFAULT 'PENDING',
    progress    INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks(deadline);

CREATE TABLE IF NOT EXISTS task_reminders (
    id            TEXT PRIMARY KEY,
    task_id       TEXT NOT NULL,
    reminder_time TEXT NOT NULL,
    message_type  TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_reminders_task ON task_reminders(task_id);
CREATE INDEX IF NOT EXISTS idx_reminders_time ON task_reminders(reminder_time);

CREATE TABLE IF NOT EXISTS conversations (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    character_id        TEXT NOT NULL,
    task_id             TEXT DEFAULT '',
    pressure_level      INTEGER NOT NULL DEFAULT 3,
    relationship_score  INTEGER NOT NULL DEFAULT 0,
    last_interaction_at TEXT NOT NULL,
    created_at          TEXT NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_conversations_last ON conversations(last_interaction_at);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    tool_call_id    TEXT DEFAULT '',
    tool_calls      TEXT,
    metadata        TEXT,
    timestamp       TEXT NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON conversation_messages(timestamp);

CREATE TABLE IF NOT EXISTS character_interactions (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    character_id     TEXT NOT NULL,
    interaction_type TEXT NOT NULL,
    context          TEXT NOT NULL DEFAULT '{}',
    created_at       TEXT NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_interactions_user ON character_interactions(user_id, character_id);
CREATE INDEX IF NOT EXISTS idx_interactions_created ON character_interactions(created_at);
`
