package database

import (
	"path/filepath"
	"testing"

	"github.com/ontree-co/flashnode/internal/migrations"
)

func TestOpenAppliesMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	checks := []struct {
		table  string
		column string
	}{
		{"operations", "operation_type"},
		{"operations", "completed_at"},
		{"operation_logs", "operation_id"},
		{"operation_logs", "level"},
	}
	for _, check := range checks {
		var count int
		row := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, check.table, check.column)
		if err := row.Scan(&count); err != nil {
			t.Fatalf("failed to inspect %s.%s: %v", check.table, check.column, err)
		}
		if count == 0 {
			t.Errorf("column %s.%s does not exist", check.table, check.column)
		}
	}

	version, err := migrations.Version(db)
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if version < 1 {
		t.Errorf("expected schema version >= 1, got %d", version)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	for i := 0; i < 2; i++ {
		db, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i+1, err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
}
