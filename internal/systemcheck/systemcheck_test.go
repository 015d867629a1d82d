package systemcheck

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ontree-co/flashnode/internal/config"
	"github.com/ontree-co/flashnode/internal/serialport"
)

func newRunner(t *testing.T) *Runner {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		SerialPort:     "/dev/ttyS7",
		GPIOTool:       "gpio",
		ProgrammerTool: "avrdude",
		TempDir:        filepath.Join(dir, "tmp"),
		LogDir:         filepath.Join(dir, "logs"),
		DatabasePath:   filepath.Join(dir, "data", "flashnode.db"),
	}
	r := NewRunner(cfg, func() (uint64, error) { return 1 << 30, nil })
	r.lookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	r.portCheck = func(string) error { return nil }
	return r
}

func byID(results []CheckResult) map[string]CheckResult {
	m := make(map[string]CheckResult, len(results))
	for _, r := range results {
		m[r.ID] = r
	}
	return m
}

func TestRunAllOK(t *testing.T) {
	r := newRunner(t)
	results := r.Run(context.Background())
	if len(results) != 5 {
		t.Fatalf("expected 5 checks, got %d", len(results))
	}
	for _, result := range results {
		if result.Status != StatusOK {
			t.Errorf("%s: status %s (%s)", result.ID, result.Status, result.Message)
		}
	}
	if Failed(results) {
		t.Fatal("Failed() should be false")
	}
}

func TestMissingTool(t *testing.T) {
	r := newRunner(t)
	r.lookPath = func(file string) (string, error) {
		if file == "avrdude" {
			return "", fmt.Errorf("exec: %q: executable file not found in $PATH", file)
		}
		return "/usr/bin/" + file, nil
	}

	results := byID(r.Run(context.Background()))
	if results["programmer"].Status != StatusError || len(results["programmer"].Remediation) == 0 {
		t.Fatalf("unexpected programmer check %+v", results["programmer"])
	}
	if results["gpio"].Status != StatusOK {
		t.Fatalf("unexpected gpio check %+v", results["gpio"])
	}
}

func TestSerialPortCheck(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		requirePort bool
		want        Status
	}{
		{"present", nil, false, StatusOK},
		{"missing is a warning", serialport.ErrPortNotFound, false, StatusWarning},
		{"missing with require_port", serialport.ErrPortNotFound, true, StatusError},
		{"stat failure", errors.New("permission denied"), false, StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRunner(t)
			r.cfg.RequirePort = tt.requirePort
			r.portCheck = func(string) error { return tt.err }
			if got := r.checkSerialPort().Status; got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLowFreeSpace(t *testing.T) {
	r := newRunner(t)
	r.freeSpace = func() (uint64, error) { return 1 << 20, nil }
	if got := r.checkFreeSpace().Status; got != StatusError {
		t.Fatalf("status = %s, want error", got)
	}

	r.freeSpace = func() (uint64, error) { return 0, errors.New("statfs failed") }
	if got := r.checkFreeSpace().Status; got != StatusWarning {
		t.Fatalf("status = %s, want warning", got)
	}
}
