package programmer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when the programmer does not finish within the configured timeout
var ErrTimeout = errors.New("programmer timed out")

// waitDelay bounds how long Wait blocks on the output pipe after the process was killed
const waitDelay = 2 * time.Second

// Logger receives the command line and every output line of the programmer
type Logger interface {
	Log(ctx context.Context, message string)
}

type commandRunner interface {
	// CombinedPipe returns a reader carrying stdout and stderr interleaved as written
	CombinedPipe() (io.ReadCloser, error)
	Start() error
	Wait() error
}

type execCommandFunc func(ctx context.Context, name string, args ...string) commandRunner

type execCmd struct {
	cmd *exec.Cmd
}

func (e *execCmd) CombinedPipe() (io.ReadCloser, error) {
	stdout, err := e.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	// StdoutPipe installs the write end as cmd.Stdout; sharing it merges stderr in order
	e.cmd.Stderr = e.cmd.Stdout
	return stdout, nil
}

func (e *execCmd) Start() error {
	return e.cmd.Start()
}

func (e *execCmd) Wait() error {
	return e.cmd.Wait()
}

func defaultExecCommand(ctx context.Context, name string, args ...string) commandRunner {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // arguments are built by BuildArgs from validated options
	cmd.WaitDelay = waitDelay
	return &execCmd{cmd: cmd}
}

// Invoker runs the flashing tool
type Invoker struct {
	tool        string
	timeout     time.Duration
	log         Logger
	execCommand execCommandFunc
}

// NewInvoker creates an invoker for the given tool. A zero timeout disables the deadline.
func NewInvoker(tool string, timeout time.Duration, log Logger) *Invoker {
	return &Invoker{
		tool:        tool,
		timeout:     timeout,
		log:         log,
		execCommand: defaultExecCommand,
	}
}

// CommandLine renders the invocation for opts as a single string
func (i *Invoker) CommandLine(opts Options) string {
	return i.tool + " " + strings.Join(BuildArgs(opts), " ")
}

// Invoke runs the programmer with opts, forwarding each output line to the logger as it
// is produced. It reports true iff the tool exited with status 0. A non-zero exit is not
// an error; launch failures and timeouts are.
func (i *Invoker) Invoke(ctx context.Context, opts Options) (bool, error) {
	if err := opts.Validate(); err != nil {
		return false, err
	}

	i.log.Log(ctx, fmt.Sprintf("Executing command: %s", i.CommandLine(opts)))

	runCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	cmd := i.execCommand(runCtx, i.tool, BuildArgs(opts)...)
	output, err := cmd.CombinedPipe()
	if err != nil {
		return false, fmt.Errorf("failed to attach to %s output: %w", i.tool, err)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("failed to start %s: %w", i.tool, err)
	}

	for line, readErr := range Lines(output) {
		if readErr != nil {
			i.log.Log(ctx, fmt.Sprintf("Output read error: %v", readErr))
			break
		}
		i.log.Log(ctx, line)
	}
	// The tool blocks on a full pipe until its output is consumed
	_, _ = io.Copy(io.Discard, output)

	waitErr := cmd.Wait()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return false, fmt.Errorf("%w after %s", ErrTimeout, i.timeout)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			i.log.Log(ctx, fmt.Sprintf("%s exited with status %d", i.tool, exitErr.ExitCode()))
			return false, nil
		}
		return false, fmt.Errorf("%s failed: %w", i.tool, waitErr)
	}
	return true, nil
}
