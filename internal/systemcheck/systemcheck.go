// Package systemcheck verifies the host has what the controller needs: tools, directories and the serial port.
package systemcheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ontree-co/flashnode/internal/config"
	"github.com/ontree-co/flashnode/internal/serialport"
)

// Status represents the health status of a system check.
type Status string

const (
	// StatusOK indicates the check passed successfully.
	StatusOK Status = "ok"
	// StatusWarning indicates the controller will run but an operation may fail.
	StatusWarning Status = "warning"
	// StatusError indicates the check failed.
	StatusError Status = "error"
)

// minTempFree is the free space below which the temp area check warns
const minTempFree = 32 << 20

// CheckResult represents the result of a single system check.
type CheckResult struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      Status   `json:"status"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

// Runner executes system health checks.
type Runner struct {
	cfg       *config.Config
	lookPath  func(file string) (string, error)
	portCheck func(name string) error
	freeSpace func() (uint64, error)
}

// NewRunner creates a runner. freeSpace reports the free bytes of the temp area and may be nil.
func NewRunner(cfg *config.Config, freeSpace func() (uint64, error)) *Runner {
	return &Runner{
		cfg:       cfg,
		lookPath:  exec.LookPath,
		portCheck: serialport.CheckExists,
		freeSpace: freeSpace,
	}
}

// Run executes all system checks and returns the results.
func (r *Runner) Run(_ context.Context) []CheckResult {
	results := []CheckResult{
		r.checkDirectories(),
		r.checkTool("programmer", "Programmer tool", r.cfg.ProgrammerTool, programmerRemediation()),
		r.checkTool("gpio", "GPIO tool", r.cfg.GPIOTool, gpioRemediation()),
		r.checkSerialPort(),
	}
	if r.freeSpace != nil {
		results = append(results, r.checkFreeSpace())
	}
	return results
}

// Failed reports whether any result is an error
func Failed(results []CheckResult) bool {
	for _, result := range results {
		if result.Status == StatusError {
			return true
		}
	}
	return false
}

func (r *Runner) checkDirectories() CheckResult {
	paths := []string{r.cfg.TempDir, r.cfg.LogDir}
	if r.cfg.DatabasePath != "" {
		paths = append(paths, filepath.Dir(r.cfg.DatabasePath))
	}

	seen := make(map[string]struct{})
	prepared := make([]string, 0, len(paths))

	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, exists := seen[p]; exists {
			continue
		}

		if err := os.MkdirAll(p, 0o750); err != nil {
			return CheckResult{
				ID:          "directories",
				Name:        "Prepare directories",
				Status:      StatusError,
				Message:     fmt.Sprintf("Failed to prepare %s", p),
				Details:     err.Error(),
				Remediation: directoryRemediation(p),
			}
		}
		seen[p] = struct{}{}
		prepared = append(prepared, p)
	}

	return CheckResult{
		ID:      "directories",
		Name:    "Prepare directories",
		Status:  StatusOK,
		Message: "Directories are ready",
		Details: strings.Join(prepared, "\n"),
	}
}

func (r *Runner) checkTool(id, name, binary string, remediation []string) CheckResult {
	path, err := r.lookPath(binary)
	if err != nil {
		return CheckResult{
			ID:          id,
			Name:        name,
			Status:      StatusError,
			Message:     fmt.Sprintf("%s not found", binary),
			Details:     err.Error(),
			Remediation: remediation,
		}
	}
	return CheckResult{
		ID:      id,
		Name:    name,
		Status:  StatusOK,
		Message: fmt.Sprintf("%s found", binary),
		Details: path,
	}
}

func (r *Runner) checkSerialPort() CheckResult {
	port := r.cfg.SerialPort
	if err := r.portCheck(port); err != nil {
		status := StatusError
		if errors.Is(err, serialport.ErrPortNotFound) && !r.cfg.RequirePort {
			// The board may simply not be plugged in yet
			status = StatusWarning
		}
		return CheckResult{
			ID:          "serial_port",
			Name:        "Serial port",
			Status:      status,
			Message:     fmt.Sprintf("Default serial port %s is not available", port),
			Details:     err.Error(),
			Remediation: serialRemediation(port),
		}
	}
	return CheckResult{
		ID:      "serial_port",
		Name:    "Serial port",
		Status:  StatusOK,
		Message: fmt.Sprintf("Default serial port %s present", port),
	}
}

func (r *Runner) checkFreeSpace() CheckResult {
	free, err := r.freeSpace()
	if err != nil {
		return CheckResult{
			ID:      "temp_space",
			Name:    "Temporary area",
			Status:  StatusWarning,
			Message: "Could not determine free space",
			Details: err.Error(),
		}
	}
	if free < minTempFree {
		return CheckResult{
			ID:          "temp_space",
			Name:        "Temporary area",
			Status:      StatusError,
			Message:     fmt.Sprintf("Only %d MiB free in %s", free>>20, r.cfg.TempDir),
			Remediation: []string{"Free disk space or point temp_dir at a larger filesystem"},
		}
	}
	return CheckResult{
		ID:      "temp_space",
		Name:    "Temporary area",
		Status:  StatusOK,
		Message: fmt.Sprintf("%d MiB free in %s", free>>20, r.cfg.TempDir),
	}
}

func directoryRemediation(path string) []string {
	return []string{
		fmt.Sprintf("Create the directory: sudo mkdir -p %s", path),
		fmt.Sprintf("Set ownership: sudo chown $USER %s", path),
	}
}

func programmerRemediation() []string {
	return []string{
		"Install avrdude: sudo apt install avrdude",
		"Or set programmer_tool in config.toml to the full path of the binary",
	}
}

func gpioRemediation() []string {
	return []string{
		"Install the GPIO utility for your board (e.g. wiringpi provides `gpio`)",
		"Or set gpio_tool in config.toml to the full path of the binary",
	}
}

func serialRemediation(port string) []string {
	return []string{
		"Check the target is connected: ls -l /dev/tty*",
		fmt.Sprintf("Add the user to the dialout group to access %s: sudo usermod -aG dialout $USER", port),
		"Or set serial_port in config.toml",
	}
}
