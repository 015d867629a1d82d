package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	var b strings.Builder
	for i := 1; i <= 150; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		n         int
		wantLen   int
		wantFirst string
		wantLast  string
	}{
		{name: "last hundred", n: 100, wantLen: 100, wantFirst: "line 51", wantLast: "line 150"},
		{name: "more than available", n: 500, wantLen: 150, wantFirst: "line 1", wantLast: "line 150"},
		{name: "single line", n: 1, wantLen: 1, wantFirst: "line 150", wantLast: "line 150"},
		{name: "zero", n: 0, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, err := Tail(path, tt.n)
			if err != nil {
				t.Fatalf("Tail() error = %v", err)
			}
			if len(lines) != tt.wantLen {
				t.Fatalf("expected %d lines, got %d", tt.wantLen, len(lines))
			}
			if tt.wantLen == 0 {
				return
			}
			if lines[0] != tt.wantFirst {
				t.Errorf("first line = %q, want %q", lines[0], tt.wantFirst)
			}
			if lines[len(lines)-1] != tt.wantLast {
				t.Errorf("last line = %q, want %q", lines[len(lines)-1], tt.wantLast)
			}
		})
	}
}

func TestTailMissingFile(t *testing.T) {
	lines, err := Tail(filepath.Join(t.TempDir(), "missing.log"), 100)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %v", lines)
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Setenv("FLASHNODE_ENV", "")
	t.Setenv("DEBUG", "")
	if IsDevelopment() {
		t.Fatal("expected production mode")
	}

	t.Setenv("FLASHNODE_ENV", "development")
	if !IsDevelopment() {
		t.Fatal("expected development mode via FLASHNODE_ENV")
	}

	t.Setenv("FLASHNODE_ENV", "")
	t.Setenv("DEBUG", "true")
	if !IsDevelopment() {
		t.Fatal("expected development mode via DEBUG")
	}
}

// useFileLogger points the package logger at a fresh file in dir for the test
func useFileLogger(t *testing.T, dir string) {
	t.Helper()
	logger, err := open(dir)
	if err != nil {
		t.Fatalf("open() error = %v", err)
	}
	previous := defaultLogger
	defaultLogger = logger
	t.Cleanup(func() {
		_ = Close()
		defaultLogger = previous
		now = time.Now
	})
	now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestRotateLogs(t *testing.T) {
	dir := t.TempDir()
	useFileLogger(t, dir)

	Infof("before rotation")
	if err := RotateLogs(dir); err != nil {
		t.Fatalf("RotateLogs() error = %v", err)
	}
	Infof("after rotation")

	rotated := readLog(t, filepath.Join(dir, "flashnode-20240301-120000.log"))
	if !strings.Contains(rotated, "[INFO] before rotation") {
		t.Errorf("rotated file missing earlier line: %q", rotated)
	}
	current := readLog(t, filepath.Join(dir, FileName))
	if !strings.Contains(current, "[INFO] after rotation") || strings.Contains(current, "before rotation") {
		t.Errorf("unexpected current log %q", current)
	}
}

func TestRotateLogsRenameFailureKeepsFileLogging(t *testing.T) {
	dir := t.TempDir()
	useFileLogger(t, dir)

	// a directory occupying the rotated name makes the rename fail
	if err := os.Mkdir(filepath.Join(dir, "flashnode-20240301-120000.log"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := RotateLogs(dir); err == nil {
		t.Fatal("expected rotation error")
	}

	Infof("after failed rotation")
	if got := readLog(t, filepath.Join(dir, FileName)); !strings.Contains(got, "[INFO] after failed rotation") {
		t.Fatalf("log file stopped receiving lines: %q", got)
	}
}
