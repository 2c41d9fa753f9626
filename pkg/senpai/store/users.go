package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"senpai/pkg/senpai/character"
)

// UpsertUser creates the user row if it does not exist and returns the
// current record. Users are created lazily on first interaction with
// pressure level 3 and notifications enabled.
func (s *Store) UpsertUser(ctx context.Context, id string) (*User, error) {
	now := encodeTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, pressure_level, notification_enabled, created_at, updated_at)
		VALUES (?, 3, 1, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser returns the user, or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, active_character_id, pressure_level, notification_enabled, created_at, updated_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// SetActiveCharacter updates the user's active character. The id must name
// a registered character.
func (s *Store) SetActiveCharacter(ctx context.Context, userID string, cid character.ID) (*User, error) {
	if !character.Valid(cid) {
		return nil, fmt.Errorf("set active character %q: %w", cid, ErrNotFound)
	}
	if _, err := s.UpsertUser(ctx, userID); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET active_character_id = ?, updated_at = ? WHERE id = ?`,
		string(cid), encodeTime(time.Now()), userID)
	if err != nil {
		return nil, fmt.Errorf("set active character: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// SetPressureLevel updates the user's default pressure level (1-5).
func (s *Store) SetPressureLevel(ctx context.Context, userID string, level int) (*User, error) {
	if level < 1 || level > 5 {
		return nil, ErrInvalidPressureLevel
	}
	if _, err := s.UpsertUser(ctx, userID); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET pressure_level = ?, updated_at = ? WHERE id = ?`,
		level, encodeTime(time.Now()), userID)
	if err != nil {
		return nil, fmt.Errorf("set pressure level: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// SetNotificationEnabled toggles reminder delivery for the user.
func (s *Store) SetNotificationEnabled(ctx context.Context, userID string, enabled bool) (*User, error) {
	if _, err := s.UpsertUser(ctx, userID); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET notification_enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), encodeTime(time.Now()), userID)
	if err != nil {
		return nil, fmt.Errorf("set notification flag: %w", err)
	}
	return s.GetUser(ctx, userID)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u         User
		charID    string
		notify    int
		createdAt string
		updatedAt string
	)
	err := row.Scan(&u.ID, &charID, &u.PressureLevel, &notify, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ActiveCharacter = character.ID(charID)
	u.NotificationEnabled = notify != 0
	u.CreatedAt = decodeTime(createdAt)
	u.UpdatedAt = decodeTime(updatedAt)
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
