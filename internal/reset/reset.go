// Package reset drives the target's reset line through a command-line GPIO tool.
package reset

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrGPIO is returned when the GPIO tool cannot be launched or exits non-zero
var ErrGPIO = errors.New("gpio control failed")

// Logger receives one line per reset-line transition
type Logger interface {
	Log(ctx context.Context, message string)
}

type commandRunner interface {
	CombinedOutput() ([]byte, error)
}

type execCommandFunc func(ctx context.Context, name string, args ...string) commandRunner

func defaultExecCommand(ctx context.Context, name string, args ...string) commandRunner {
	return exec.CommandContext(ctx, name, args...) //nolint:gosec // tool and line come from configuration
}

// Line is a single reset line wired to the target device.
// Value 0 holds the device in reset, value 1 releases it.
type Line struct {
	tool        string
	id          string
	log         Logger
	execCommand execCommandFunc
}

// NewLine creates a reset line driven by `<tool> write <id> <value>`
func NewLine(tool, id string, log Logger) *Line {
	return &Line{
		tool:        tool,
		id:          id,
		log:         log,
		execCommand: defaultExecCommand,
	}
}

// SetReset asserts (true) or releases (false) the reset line
func (l *Line) SetReset(ctx context.Context, asserted bool) error {
	value := "1"
	if asserted {
		value = "0"
	}

	output, err := l.execCommand(ctx, l.tool, "write", l.id, value).CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			detail = err.Error()
		}
		l.log.Log(ctx, fmt.Sprintf("GPIO control failed: %s", detail))
		return fmt.Errorf("%w: %s write %s %s: %s", ErrGPIO, l.tool, l.id, value, detail)
	}

	if asserted {
		l.log.Log(ctx, "Target entered reset")
	} else {
		l.log.Log(ctx, "Target exited reset")
	}
	return nil
}

// Pulse asserts the line, holds it for width and releases it again
func (l *Line) Pulse(ctx context.Context, width time.Duration, sleep func(time.Duration)) error {
	if err := l.SetReset(ctx, true); err != nil {
		return err
	}
	sleep(width)
	return l.SetReset(ctx, false)
}
