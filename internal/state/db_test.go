package state

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	db, err := Open(filepath.Join(nested, "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	// Nothing can be created under /proc on Linux.
	if _, err := Open("/proc/nonexistent/test.db"); err == nil {
		t.Error("expected error opening db at invalid path")
	}
}

func TestClose(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := db.Migrate(); err == nil {
		t.Error("expected error after close, got nil")
	}
}

func TestMigrate(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"schema_version", "runs", "run_agents", "failures"} {
		var count int
		row := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&count); err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate (iteration %d) failed: %v", i, err)
		}
	}

	var version int
	if err := db.conn.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestTransaction_Rollback(t *testing.T) {
	db := setupTestDB(t)

	boom := errors.New("boom")
	err := db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO runs (id, query, strategy, started_at, finished_at) VALUES ('r', 'q', 's', 'x', 'y')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction = %v, want boom", err)
	}

	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("rolled back insert is visible: %d rows", count)
	}
}

func TestDefaultDBPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got, want := DefaultDBPath(), filepath.Join("/data", "weave", "weave.db"); got != want {
		t.Errorf("DefaultDBPath() = %q, want %q", got, want)
	}
}

func TestFormatAndParseTime(t *testing.T) {
	original := time.Date(2026, 3, 4, 5, 6, 7, 800, time.FixedZone("x", 3600))
	parsed, err := parseTime(formatTime(original))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(original) {
		t.Errorf("round trip = %v, want %v", parsed, original)
	}

	// Fixed width keeps lexical order chronological.
	a := formatTime(time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC))
	b := formatTime(time.Date(2026, 1, 1, 0, 0, 5, 500_000_000, time.UTC))
	if !(a < b) {
		t.Errorf("%q should sort before %q", a, b)
	}
}

func TestParseTimeAcceptsTrimmedFraction(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-05-01T12:00:00.000000000Z", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"2026-05-01T12:00:00Z", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"2026-05-01T12:00:00.47351597Z", time.Date(2026, 5, 1, 12, 0, 0, 473515970, time.UTC)},
		{"2026-05-01T14:00:00.5+02:00", time.Date(2026, 5, 1, 12, 0, 0, 500_000_000, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in)
		if err != nil {
			t.Errorf("parseTime(%q) failed: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := parseTime("yesterday"); err == nil {
		t.Error("parseTime(yesterday) succeeded")
	}
}

func TestStoredTimesAreFixedWidth(t *testing.T) {
	db := setupTestDB(t)
	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := db.SaveRun(context.Background(), sampleRun("r1", started)); err != nil {
		t.Fatal(err)
	}
	var raw string
	if err := db.conn.QueryRow("SELECT started_at FROM runs WHERE id = ?", "r1").Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw != "2026-05-01T12:00:00.000000000Z" {
		t.Errorf("stored started_at = %q", raw)
	}
}
