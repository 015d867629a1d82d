// Package operation runs the reset and flash sequence, one operation at a time.
package operation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ontree-co/flashnode/internal/artifact"
	"github.com/ontree-co/flashnode/internal/broadcast"
	"github.com/ontree-co/flashnode/internal/config"
	"github.com/ontree-co/flashnode/internal/history"
	"github.com/ontree-co/flashnode/internal/logging"
	"github.com/ontree-co/flashnode/internal/programmer"
	"github.com/ontree-co/flashnode/internal/telemetry"
)

// Errors returned when an operation cannot be started
var (
	ErrAlreadyRunning  = errors.New("an operation is already in progress")
	ErrImageNotFound   = errors.New("firmware image not found")
	ErrReservationUsed = errors.New("reservation already launched or cancelled")
)

// Completion messages
const (
	MessageSuccess = "Operation completed successfully!"
	MessageFailure = "Operation failed!"
)

// ResetLine controls the target's reset line
type ResetLine interface {
	SetReset(ctx context.Context, asserted bool) error
	Pulse(ctx context.Context, width time.Duration, sleep func(time.Duration)) error
}

// Programmer runs the flashing tool
type Programmer interface {
	Invoke(ctx context.Context, opts programmer.Options) (bool, error)
	CommandLine(opts programmer.Options) string
}

// Timing holds the delays of the reset sequence
type Timing struct {
	ResetSettle      time.Duration
	BootloaderSettle time.Duration
	RestartPulse     time.Duration
}

// DefaultTiming returns the delays known to work with the Optiboot bootloader
func DefaultTiming() Timing {
	return Timing{
		ResetSettle:      config.DefaultResetSettle,
		BootloaderSettle: config.DefaultBootloaderSettle,
		RestartPulse:     config.DefaultRestartPulse,
	}
}

// Request is one operation to run
type Request struct {
	Options programmer.Options
	// Artifact is the image to write; the zero value means no image
	Artifact artifact.Artifact
	// Source describes where the image came from, for the history
	Source string
}

func (r *Request) normalize() {
	if r.Artifact.Path != "" {
		r.Options.ImagePath = r.Artifact.Path
	}
}

// Label names the kind of operation the request describes
func (r Request) Label() string {
	r.normalize()
	return r.Options.Label()
}

// Result is the outcome of a finished operation
type Result struct {
	OperationID string `json:"operation_id"`
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Err         error  `json:"-"`
}

// Orchestrator owns the single operation slot
type Orchestrator struct {
	reset   ResetLine
	prog    Programmer
	journal *Journal
	timing  Timing
	sleep   func(time.Duration)
	newID   func() string
	now     func() time.Time

	mu        sync.Mutex
	running   bool
	state     State
	startTime *time.Time
	label     string
	id        string

	wg sync.WaitGroup
}

// New creates an orchestrator
func New(line ResetLine, prog Programmer, journal *Journal, timing Timing) *Orchestrator {
	return &Orchestrator{
		reset:   line,
		prog:    prog,
		journal: journal,
		timing:  timing,
		sleep:   time.Sleep,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Status returns the current operation status. It never waits for a running operation.
func (o *Orchestrator) Status() broadcast.Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := broadcast.Status{
		IsRunning:     o.running,
		OperationType: o.label,
		OperationID:   o.id,
	}
	if o.startTime != nil {
		start := *o.startTime
		status.StartTime = &start
	}
	return status
}

// State returns the phase of the current operation
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

// Wait blocks until every launched operation has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Reservation holds the operation slot between the conflict check and the launch,
// so an image is only fetched once the slot is known to be free.
type Reservation struct {
	o       *Orchestrator
	id      string
	label   string
	started time.Time
	used    atomic.Bool
}

// Reserve atomically claims the operation slot. It fails with ErrAlreadyRunning when
// another operation holds it.
func (o *Orchestrator) Reserve(label string) (*Reservation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil, ErrAlreadyRunning
	}

	now := o.now()
	id := o.newID()
	o.running = true
	o.state = StateStarting
	o.startTime = &now
	o.label = label
	o.id = id

	return &Reservation{o: o, id: id, label: label, started: now}, nil
}

// ID returns the operation ID
func (r *Reservation) ID() string {
	return r.id
}

// Cancel gives the slot back without running anything
func (r *Reservation) Cancel() {
	if r.used.CompareAndSwap(false, true) {
		r.o.release(r.id)
	}
}

// Launch checks the request and runs the operation in the background. On error the
// slot is released and an owned artifact is deleted.
func (r *Reservation) Launch(ctx context.Context, req Request) error {
	if !r.used.CompareAndSwap(false, true) {
		return ErrReservationUsed
	}
	if err := r.o.preflight(&req); err != nil {
		r.o.abort(r.id, req)
		return err
	}

	r.o.wg.Add(1)
	go func() {
		defer r.o.wg.Done()
		r.o.execute(context.WithoutCancel(ctx), r, req)
	}()
	return nil
}

// Run checks the request and runs the operation to completion
func (r *Reservation) Run(ctx context.Context, req Request) (Result, error) {
	if !r.used.CompareAndSwap(false, true) {
		return Result{}, ErrReservationUsed
	}
	if err := r.o.preflight(&req); err != nil {
		r.o.abort(r.id, req)
		return Result{}, err
	}
	return r.o.execute(ctx, r, req), nil
}

// Start reserves the slot and launches req in the background, returning the operation ID
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	r, err := o.Reserve(req.Label())
	if err != nil {
		return "", err
	}
	if err := r.Launch(ctx, req); err != nil {
		return "", err
	}
	return r.ID(), nil
}

// Run reserves the slot and runs req synchronously
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	r, err := o.Reserve(req.Label())
	if err != nil {
		return Result{}, err
	}
	return r.Run(ctx, req)
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.id != id {
		return
	}
	o.running = false
	o.state = StateIdle
	o.startTime = nil
	o.label = ""
	o.id = ""
}

func (o *Orchestrator) abort(id string, req Request) {
	if err := req.Artifact.Release(); err != nil {
		logging.Warnf("Failed to remove rejected image: %v", err)
	}
	o.release(id)
}

func (o *Orchestrator) preflight(req *Request) error {
	req.normalize()
	if req.Options.ImagePath != "" {
		if _, err := os.Stat(req.Options.ImagePath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrImageNotFound, req.Options.ImagePath)
			}
			return fmt.Errorf("failed to check image %s: %w", req.Options.ImagePath, err)
		}
	}
	return req.Options.Validate()
}

func (o *Orchestrator) execute(ctx context.Context, r *Reservation, req Request) (res Result) {
	ctx = broadcast.WithOperationID(ctx, r.id)
	ctx, span := telemetry.StartSpan(ctx, "operation.run", trace.WithAttributes(
		attribute.String("operation.id", r.id),
		attribute.String("operation.type", r.label),
		attribute.String("operation.port", req.Options.Port),
	))

	o.journal.Begin(ctx, history.Record{
		ID:            r.id,
		OperationType: r.label,
		Source:        req.Source,
		Command:       o.prog.CommandLine(req.Options),
		CreatedAt:     r.started,
	})

	res.OperationID = r.id
	defer func() {
		if p := recover(); p != nil {
			logging.Errorf("Operation %s panicked: %v\n%s", r.id, p, debug.Stack())
			res.Success = false
			res.Err = fmt.Errorf("unexpected failure: %v", p)
		}
		o.finalize(ctx, r, req, &res)
		telemetry.EndSpan(span, res.Err)
	}()

	res.Success, res.Err = o.sequence(ctx, r, req)
	return res
}

func (o *Orchestrator) sequence(ctx context.Context, r *Reservation, req Request) (bool, error) {
	o.journal.Log(ctx, fmt.Sprintf("Starting %s on target...", r.label))

	if err := o.step(ctx, "reset.assert", func(ctx context.Context) error {
		return o.reset.SetReset(ctx, true)
	}); err != nil {
		o.journal.Log(ctx, "Error: unable to put target into reset")
		return false, nil
	}
	o.setState(StateInReset)
	o.sleep(o.timing.ResetSettle)

	if err := o.step(ctx, "reset.release", func(ctx context.Context) error {
		return o.reset.SetReset(ctx, false)
	}); err != nil {
		o.journal.Log(ctx, "Error: unable to release target from reset")
		return false, nil
	}
	o.setState(StateBootloaderReady)
	o.sleep(o.timing.BootloaderSettle)

	o.setState(StateFlashing)
	var success bool
	err := o.step(ctx, "programmer.invoke", func(ctx context.Context) error {
		var invokeErr error
		success, invokeErr = o.prog.Invoke(ctx, req.Options)
		return invokeErr
	})
	if err != nil {
		return false, err
	}
	if !success {
		return false, nil
	}

	if err := o.step(ctx, "reset.pulse", func(ctx context.Context) error {
		return o.reset.Pulse(ctx, o.timing.RestartPulse, o.sleep)
	}); err != nil {
		// The image is already written; a failed restart does not undo that
		o.journal.Log(ctx, fmt.Sprintf("Warning: target restart failed: %v", err))
	} else {
		o.journal.Log(ctx, "Target restarted, program running")
	}
	return true, nil
}

func (o *Orchestrator) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "operation."+name)
	err := fn(ctx)
	telemetry.EndSpan(span, err)
	return err
}

func (o *Orchestrator) finalize(ctx context.Context, r *Reservation, req Request, res *Result) {
	o.setState(StateFinalizing)

	if req.Artifact.Owned {
		if err := req.Artifact.Release(); err != nil {
			o.journal.Log(ctx, fmt.Sprintf("Failed to remove temporary file: %v", err))
		} else {
			o.journal.Log(ctx, fmt.Sprintf("Removed temporary file: %s", req.Artifact.Path))
		}
	}

	switch {
	case res.Err != nil:
		res.Message = fmt.Sprintf("Operation error: %v", res.Err)
		logging.Errorf("Operation %s failed: %v", r.id, res.Err)
	case res.Success:
		res.Message = MessageSuccess
	default:
		res.Message = MessageFailure
	}
	o.journal.Log(ctx, res.Message)

	o.release(r.id)
	o.journal.Complete(ctx, res.Success, res.Message)
}
