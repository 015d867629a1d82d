package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/ontree-co/flashnode/internal/artifact"
	"github.com/ontree-co/flashnode/internal/broadcast"
	"github.com/ontree-co/flashnode/internal/operation"
	"github.com/ontree-co/flashnode/internal/programmer"
)

// ProgressEvent streams the progress of a local operation
type ProgressEvent struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// FlashRequest describes an operation started from the command line
type FlashRequest struct {
	Profile string
	// Options holds explicitly set values; empty fields fall back to the profile and defaults
	Options programmer.Options
	// ImagePath is a local image. It is never deleted.
	ImagePath string
	// URL is downloaded into the temporary area and removed afterwards
	URL string
}

// Flash runs one operation in the foreground and streams its log lines. The stream ends
// with a "success" or "error" event and is then closed.
func (m *Manager) Flash(ctx context.Context, req FlashRequest) <-chan ProgressEvent {
	out := make(chan ProgressEvent, 16)
	go func() {
		defer close(out)
		m.flash(ctx, req, out)
	}()
	return out
}

func (m *Manager) flash(ctx context.Context, req FlashRequest, out chan<- ProgressEvent) {
	fail := func(code string, err error) {
		out <- ProgressEvent{Type: "error", Code: code, Message: err.Error()}
	}

	if req.ImagePath != "" && req.URL != "" {
		fail("invalid_request", errors.New("give either an image path or a URL, not both"))
		return
	}

	opts, err := m.resolveOptions(req.Profile, req.Options)
	if err != nil {
		fail("invalid_options", err)
		return
	}
	if req.ImagePath == "" && req.URL == "" && len(opts.MemoryOperations) == 0 && !opts.EraseChip {
		fail("invalid_request", errors.New("nothing to do: give an image, a URL, --erase or a memory operation"))
		return
	}

	label := programmer.LabelOperation
	if req.ImagePath != "" || req.URL != "" {
		label = programmer.LabelUpload
	}
	reservation, err := m.orch.Reserve(label)
	if err != nil {
		fail("busy", err)
		return
	}

	sub := m.hub.Subscribe()
	defer m.hub.Unsubscribe(sub)

	opReq := operation.Request{Options: opts}
	switch {
	case req.ImagePath != "":
		if err := artifact.ValidateExtension(req.ImagePath); err != nil {
			reservation.Cancel()
			fail("invalid_request", err)
			return
		}
		opReq.Artifact = artifact.Permanent(req.ImagePath)
		opReq.Source = req.ImagePath
	case req.URL != "":
		out <- ProgressEvent{Type: "log", Message: fmt.Sprintf("Downloading firmware from %s...", req.URL)}
		image, err := m.fetcher.FromURL(ctx, req.URL)
		if err != nil {
			reservation.Cancel()
			fail("download_failed", err)
			return
		}
		opReq.Artifact = image
		opReq.Source = req.URL
	}

	type outcome struct {
		result operation.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := reservation.Run(ctx, opReq)
		done <- outcome{res, err}
	}()

	id := reservation.ID()
	for {
		select {
		case event, ok := <-sub.Events():
			if ok {
				forward(out, id, event)
			}
		case o := <-done:
			// Run publishes synchronously, so everything it logged is already buffered
			for len(sub.Events()) > 0 {
				forward(out, id, <-sub.Events())
			}
			if o.err != nil {
				fail("invalid_request", o.err)
				return
			}
			if !o.result.Success {
				out <- ProgressEvent{Type: "error", Code: "operation_failed", Message: o.result.Message, Data: o.result}
				return
			}
			out <- ProgressEvent{Type: "success", Message: o.result.Message, Data: o.result}
			return
		}
	}
}

// forward passes on log lines of operation id; the completion is reported from the result
func forward(out chan<- ProgressEvent, id string, event broadcast.Event) {
	msg, ok := event.Data.(broadcast.LogMessage)
	if !ok || msg.OperationID != id {
		return
	}
	out <- ProgressEvent{Type: "log", Message: msg.RawMessage}
}
