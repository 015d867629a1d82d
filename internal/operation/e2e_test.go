package operation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ontree-co/flashnode/internal/broadcast"
	"github.com/ontree-co/flashnode/internal/database"
	"github.com/ontree-co/flashnode/internal/history"
	"github.com/ontree-co/flashnode/internal/programmer"
	"github.com/ontree-co/flashnode/internal/reset"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0700); err != nil { //nolint:gosec // test script must be executable
		t.Fatal(err)
	}
	return path
}

func TestEraseOnlyEndToEnd(t *testing.T) {
	dir := t.TempDir()
	gpioLog := filepath.Join(dir, "gpio.log")
	gpio := writeScript(t, dir, "gpio", `echo "$@" >> `+gpioLog+"\n")
	avrdude := writeScript(t, dir, "avrdude", `echo "args: $*"
echo "avrdude: erasing chip" >&2
echo "avrdude done.  Thank you."
`)

	db, err := database.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup
	store := history.NewStore(db)

	hub := broadcast.NewHub(nil)
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	journal := NewJournal(hub, store)
	orch := New(
		reset.NewLine(gpio, "7", journal),
		programmer.NewInvoker(avrdude, 10*time.Second, journal),
		journal,
		DefaultTiming(),
	)
	orch.sleep = func(time.Duration) {}
	hub.SetStatusSource(orch)

	opts := programmer.DefaultOptions()
	opts.EraseChip = true

	res, err := orch.Run(context.Background(), Request{Options: opts})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success || res.Message != MessageSuccess {
		t.Fatalf("unexpected result %+v", res)
	}

	var logs []string
	var completion *broadcast.Completion
	for len(sub.Events()) > 0 {
		event := <-sub.Events()
		switch data := event.Data.(type) {
		case broadcast.LogMessage:
			logs = append(logs, data.RawMessage)
		case broadcast.Completion:
			completion = &data
		}
	}
	if completion == nil || !completion.Success || completion.OperationID != res.OperationID {
		t.Fatalf("unexpected completion %+v", completion)
	}

	var argsLine string
	for _, line := range logs {
		if strings.HasPrefix(line, "args: ") {
			argsLine = line
		}
	}
	if !strings.Contains(argsLine, " -e") {
		t.Errorf("expected chip erase flag, got %q", argsLine)
	}
	if strings.Contains(argsLine, "flash:w") {
		t.Errorf("operation without image must not write flash, got %q", argsLine)
	}
	joined := strings.Join(logs, "\n")
	for _, want := range []string{"Target entered reset", "Target exited reset", "avrdude: erasing chip", "Target restarted, program running"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing log line %q in:\n%s", want, joined)
		}
	}

	gpioCalls, err := os.ReadFile(gpioLog)
	if err != nil {
		t.Fatal(err)
	}
	wantGPIO := "write 7 0\nwrite 7 1\nwrite 7 0\nwrite 7 1\n"
	if string(gpioCalls) != wantGPIO {
		t.Errorf("gpio calls = %q, want %q", gpioCalls, wantGPIO)
	}

	rec, err := store.Get(context.Background(), res.OperationID)
	if err != nil {
		t.Fatalf("history Get() error = %v", err)
	}
	if rec.Status != history.StatusCompleted || rec.OperationType != programmer.LabelOperation || !strings.Contains(rec.Command, " -e") {
		t.Errorf("unexpected history record %+v", rec)
	}
	stored, err := store.Logs(context.Background(), res.OperationID)
	if err != nil {
		t.Fatalf("history Logs() error = %v", err)
	}
	if len(stored) != len(logs) {
		t.Errorf("stored %d log lines, published %d", len(stored), len(logs))
	}
}
