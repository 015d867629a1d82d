package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ontree-co/flashnode/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestOperationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := Record{ID: "op-1", OperationType: "upload", Source: "blink.hex", Command: "avrdude -p atmega328p"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, msg := range []string{"Target entered reset", "Target exited reset", "avrdude done."} {
		if err := store.AppendLog(ctx, "op-1", LevelInfo, msg); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}

	rec, err := store.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != StatusRunning || rec.CompletedAt != nil || rec.Command != "avrdude -p atmega328p" {
		t.Fatalf("unexpected running record %+v", rec)
	}

	if err := store.Complete(ctx, "op-1", true, "Operation completed successfully!"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	rec, err = store.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != StatusCompleted || rec.CompletedAt == nil || rec.Message != "Operation completed successfully!" {
		t.Fatalf("unexpected completed record %+v", rec)
	}

	lines, err := store.Logs(ctx, "op-1")
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(lines) != 3 || lines[0].Message != "Target entered reset" || lines[2].Message != "avrdude done." {
		t.Fatalf("unexpected log lines %+v", lines)
	}
}

func TestCompleteFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Create(ctx, Record{ID: "op-2", OperationType: "operation"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(ctx, "op-2", false, "Operation failed!"); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.Get(ctx, "op-2")
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", rec.Status)
	}
}

func TestUnknownOperation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() expected ErrNotFound, got %v", err)
	}
	if err := store.Complete(ctx, "missing", true, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete() expected ErrNotFound, got %v", err)
	}
	lines, err := store.Logs(ctx, "missing")
	if err != nil || len(lines) != 0 {
		t.Errorf("Logs() = %v, %v; want empty", lines, err)
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		created := base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, Record{ID: id, OperationType: "upload", CreatedAt: created}); err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 2 || records[0].ID != "c" || records[1].ID != "b" {
		t.Fatalf("unexpected order %+v", records)
	}
}

func TestMarkInterrupted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_ = store.Create(ctx, Record{ID: "done", OperationType: "upload"})
	_ = store.Complete(ctx, "done", true, "ok")
	_ = store.Create(ctx, Record{ID: "stuck", OperationType: "upload"})

	affected, err := store.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted() error = %v", err)
	}
	if affected != 1 {
		t.Fatalf("affected = %d, want 1", affected)
	}
	rec, _ := store.Get(ctx, "stuck")
	if rec.Status != StatusInterrupted || rec.CompletedAt == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	rec, _ = store.Get(ctx, "done")
	if rec.Status != StatusCompleted {
		t.Fatalf("completed record changed: %+v", rec)
	}
}

func TestCleanupOldLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now.Add(-48 * time.Hour) }
	_ = store.Create(ctx, Record{ID: "old", OperationType: "upload"})
	_ = store.AppendLog(ctx, "old", LevelInfo, "old line")
	_ = store.Complete(ctx, "old", true, "ok")

	store.now = func() time.Time { return now }
	_ = store.Create(ctx, Record{ID: "new", OperationType: "upload"})
	_ = store.AppendLog(ctx, "new", LevelInfo, "new line")

	removed, err := store.CleanupOldLogs(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldLogs() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old operation should be gone, got %v", err)
	}
	lines, _ := store.Logs(ctx, "new")
	if len(lines) != 1 {
		t.Errorf("recent logs should be kept, got %d", len(lines))
	}
}
