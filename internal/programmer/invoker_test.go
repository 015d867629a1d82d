package programmer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) Log(_ context.Context, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, message)
}

func (r *recordingLogger) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type fakeCommand struct {
	output   string
	startErr error
	waitErr  error
	started  bool
}

func (f *fakeCommand) CombinedPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.output)), nil
}

func (f *fakeCommand) Start() error {
	f.started = true
	return f.startErr
}

func (f *fakeCommand) Wait() error {
	return f.waitErr
}

func TestLines(t *testing.T) {
	input := "avrdude: AVR device initialized\r\nReading | ####\rReading | ######## | 100%\n\n  trailing  "
	var got []string
	for line, err := range Lines(strings.NewReader(input)) {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		got = append(got, line)
	}

	want := []string{"avrdude: AVR device initialized", "Reading | ####", "Reading | ######## | 100%", "trailing"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Lines() = %q, want %q", got, want)
	}
}

func TestLinesStopsEarly(t *testing.T) {
	count := 0
	for range Lines(strings.NewReader("a\nb\nc\n")) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("expected to stop after 2 lines, got %d", count)
	}
}

func TestInvokeStreamsLinesInOrder(t *testing.T) {
	log := &recordingLogger{}
	fake := &fakeCommand{output: "line one\nline two\nline three\n"}

	var gotName string
	var gotArgs []string
	inv := NewInvoker("avrdude", time.Minute, log)
	inv.execCommand = func(_ context.Context, name string, args ...string) commandRunner {
		gotName = name
		gotArgs = args
		return fake
	}

	opts := DefaultOptions()
	opts.EraseChip = true
	ok, err := inv.Invoke(context.Background(), opts)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !ok {
		t.Fatal("expected success")
	}
	if gotName != "avrdude" || strings.Join(gotArgs, " ") != strings.Join(BuildArgs(opts), " ") {
		t.Fatalf("unexpected invocation %s %v", gotName, gotArgs)
	}

	lines := log.snapshot()
	want := []string{
		"Executing command: avrdude -p atmega328p -c arduino -P /dev/ttyS7 -b 115200 -e",
		"line one", "line two", "line three",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Fatalf("log = %q, want %q", lines, want)
	}
}

func TestInvokeLaunchFailure(t *testing.T) {
	inv := NewInvoker("avrdude", 0, &recordingLogger{})
	inv.execCommand = func(context.Context, string, ...string) commandRunner {
		return &fakeCommand{startErr: errors.New("executable file not found")}
	}

	ok, err := inv.Invoke(context.Background(), DefaultOptions())
	if ok || err == nil {
		t.Fatalf("expected launch failure, got ok=%v err=%v", ok, err)
	}
}

func TestInvokeRejectsInvalidOptions(t *testing.T) {
	fake := &fakeCommand{}
	inv := NewInvoker("avrdude", 0, &recordingLogger{})
	inv.execCommand = func(context.Context, string, ...string) commandRunner { return fake }

	opts := DefaultOptions()
	opts.MemoryOperations = []string{"nonsense"}
	if _, err := inv.Invoke(context.Background(), opts); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
	if fake.started {
		t.Fatal("programmer must not start with invalid options")
	}
}

// writeScript creates an executable stand-in for the flashing tool
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-avrdude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0700); err != nil { //nolint:gosec // test script must be executable
		t.Fatal(err)
	}
	return path
}

func TestInvokeRealProcess(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		wantOK    bool
		wantLines []string
	}{
		{
			name:      "success with merged stderr",
			script:    "echo \"args: $*\"\necho 'avrdude: writing flash' >&2\necho done\nexit 0\n",
			wantOK:    true,
			wantLines: []string{"args: -p atmega328p -c arduino -P /dev/ttyS7 -b 115200", "avrdude: writing flash", "done"},
		},
		{
			name:      "non zero exit",
			script:    "echo 'avrdude: stk500_recv(): programmer is not responding' >&2\nexit 1\n",
			wantOK:    false,
			wantLines: []string{"avrdude: stk500_recv(): programmer is not responding"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := writeScript(t, tt.script)
			log := &recordingLogger{}
			inv := NewInvoker(tool, 10*time.Second, log)

			ok, err := inv.Invoke(context.Background(), DefaultOptions())
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}

			lines := log.snapshot()[1:] // skip the echoed command line
			for i, want := range tt.wantLines {
				if i >= len(lines) || lines[i] != want {
					t.Fatalf("log = %q, want prefix %q", lines, tt.wantLines)
				}
			}
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	tool := writeScript(t, "echo started\nexec sleep 5\n")
	inv := NewInvoker(tool, 200*time.Millisecond, &recordingLogger{})

	start := time.Now()
	ok, err := inv.Invoke(context.Background(), DefaultOptions())
	if ok || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got ok=%v err=%v", ok, err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestLinesSplitsOverlongLine(t *testing.T) {
	input := strings.Repeat("x", 2*maxLineLength+10) + "\nnext\n"
	var sizes []int
	for line, err := range Lines(strings.NewReader(input)) {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		sizes = append(sizes, len(line))
	}

	want := []int{maxLineLength, maxLineLength, 10, 4}
	if len(sizes) != len(want) {
		t.Fatalf("line sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("line sizes = %v, want %v", sizes, want)
		}
	}
}

func TestInvokeLongOutputLine(t *testing.T) {
	// flash:r:-:h prints the whole flash as one comma separated line
	tool := writeScript(t, "head -c 200000 /dev/zero | tr '\\000' x\necho\nexit 0\n")
	log := &recordingLogger{}
	inv := NewInvoker(tool, 10*time.Second, log)

	opts := DefaultOptions()
	opts.MemoryOperations = []string{"flash:r:-:h"}
	ok, err := inv.Invoke(context.Background(), opts)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !ok {
		t.Fatal("expected success")
	}

	total := 0
	for _, line := range log.snapshot()[1:] {
		if strings.Trim(line, "x") != "" {
			t.Fatalf("unexpected log line %.80q", line)
		}
		total += len(line)
	}
	if total != 200000 {
		t.Fatalf("logged %d bytes of output, want 200000", total)
	}
}
