package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
)

// openTestStore opens a fresh store in a temp directory.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, slog.Default())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenDefaults(t *testing.T) {
	st := openTestStore(t)

	// Schema must be queryable right after open.
	var count int
	if err := st.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		t.Fatalf("querying users: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty users table, got %d rows", count)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	st := openTestStore(t)

	_, err := st.CreateTask(context.Background(), CreateTaskInput{
		UserID: "ghost",
		Title:  "orphan",
	})
	if err == nil {
		t.Fatal("expected foreign key violation for unknown user")
	}
}
