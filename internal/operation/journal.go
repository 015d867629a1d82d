package operation

import (
	"context"

	"github.com/ontree-co/flashnode/internal/broadcast"
	"github.com/ontree-co/flashnode/internal/history"
	"github.com/ontree-co/flashnode/internal/logging"
)

// EventSink receives live events for observers
type EventSink interface {
	Log(ctx context.Context, message string)
	Complete(operationID string, success bool, message string)
}

// Store persists operations and their log lines
type Store interface {
	Create(ctx context.Context, rec history.Record) error
	AppendLog(ctx context.Context, operationID, level, message string) error
	Complete(ctx context.Context, id string, success bool, message string) error
}

// Journal sends every operation message to the live observers and, when a store is
// configured, to the operation history. The operation is identified through the context.
type Journal struct {
	events EventSink
	store  Store
}

// NewJournal creates a journal. store may be nil to disable history.
func NewJournal(events EventSink, store Store) *Journal {
	return &Journal{events: events, store: store}
}

// Begin records a new operation
func (j *Journal) Begin(ctx context.Context, rec history.Record) {
	if j.store == nil {
		return
	}
	if err := j.store.Create(ctx, rec); err != nil {
		logging.Warnf("Failed to record operation %s: %v", rec.ID, err)
	}
}

// Log publishes a log line
func (j *Journal) Log(ctx context.Context, message string) {
	j.events.Log(ctx, message)

	id := broadcast.OperationID(ctx)
	if j.store == nil || id == "" {
		return
	}
	if err := j.store.AppendLog(ctx, id, history.LevelInfo, message); err != nil {
		logging.Warnf("Failed to store log line of %s: %v", id, err)
	}
}

// Complete publishes the final outcome of the current operation
func (j *Journal) Complete(ctx context.Context, success bool, message string) {
	id := broadcast.OperationID(ctx)
	if j.store != nil && id != "" {
		if err := j.store.Complete(ctx, id, success, message); err != nil {
			logging.Warnf("Failed to complete operation %s in history: %v", id, err)
		}
	}
	j.events.Complete(id, success, message)
}
