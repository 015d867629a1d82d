// Package broadcast fans operation events out to every connected observer.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ontree-co/flashnode/internal/logging"
)

// TimestampLayout is the layout used for the human-readable timestamps in log events
const TimestampLayout = "2006-01-02 15:04:05"

// DefaultBufferSize is the per-subscriber event buffer
const DefaultBufferSize = 256

// EventType names an event on the live channel
type EventType string

// Event types sent to observers
const (
	EventConnected         EventType = "connected"
	EventLogMessage        EventType = "log_message"
	EventOperationComplete EventType = "operation_complete"
	EventStatusUpdate      EventType = "status_update"
)

// Event is one message on the live channel
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// LogMessage is the payload of a log_message event
type LogMessage struct {
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	RawMessage  string `json:"raw_message"`
	OperationID string `json:"operation_id,omitempty"`
}

// Completion is the payload of an operation_complete event
type Completion struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	OperationID string `json:"operation_id,omitempty"`
}

// Status is a point-in-time view of the operation state
type Status struct {
	IsRunning     bool       `json:"is_running"`
	StartTime     *time.Time `json:"start_time"`
	OperationType string     `json:"operation_type,omitempty"`
	OperationID   string     `json:"operation_id,omitempty"`
}

// StatusSource provides the current status without blocking on a running operation
type StatusSource interface {
	Status() Status
}

// SSE formats the event as a Server-Sent Events frame
func (e Event) SSE() ([]byte, error) {
	jsonData, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, jsonData)), nil
}

type operationKey struct{}

// WithOperationID tags ctx with the ID of the operation its log lines belong to
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationKey{}, id)
}

// OperationID returns the operation ID stored in ctx, or ""
func OperationID(ctx context.Context) string {
	id, _ := ctx.Value(operationKey{}).(string)
	return id
}

// Subscriber is one registered observer
type Subscriber struct {
	events  chan Event
	mu      sync.Mutex
	dropped int
}

// Events returns the subscriber's event stream. It is closed on Unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were discarded because the subscriber fell behind
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Hub manages the set of observers
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Subscriber]bool
	status     StatusSource
	bufferSize int
	now        func() time.Time
}

// NewHub creates a new hub. status may be nil until SetStatusSource is called.
func NewHub(status StatusSource) *Hub {
	return &Hub{
		clients:    make(map[*Subscriber]bool),
		status:     status,
		bufferSize: DefaultBufferSize,
		now:        time.Now,
	}
}

// SetStatusSource wires the component that owns the operation status
func (h *Hub) SetStatusSource(status StatusSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

// Subscribe registers a new observer and queues the connected acknowledgement
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{events: make(chan Event, h.bufferSize)}
	sub.events <- Event{
		Type: EventConnected,
		Data: map[string]string{"message": "Connected to flashnode"},
	}

	h.mu.Lock()
	h.clients[sub] = true
	count := len(h.clients)
	h.mu.Unlock()

	logging.Debugf("Observer connected (%d total)", count)
	return sub
}

// Unsubscribe removes an observer and closes its stream
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[sub]; !ok {
		return
	}
	delete(h.clients, sub)
	close(sub.events)
}

// Publish sends the event to every observer. Delivery is best effort: an observer
// whose buffer is full misses the event.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.clients {
		select {
		case sub.events <- event:
		default:
			sub.mu.Lock()
			sub.dropped++
			sub.mu.Unlock()
		}
	}
}

// Log writes message to the process log and publishes it as a log_message event.
// The operation ID, if any, is taken from ctx.
func (h *Hub) Log(ctx context.Context, message string) {
	operationID := OperationID(ctx)
	timestamp := h.now().Format(TimestampLayout)
	logging.Infof("%s", message)

	h.Publish(Event{
		Type: EventLogMessage,
		Data: LogMessage{
			Message:     fmt.Sprintf("[%s] %s", timestamp, message),
			Timestamp:   timestamp,
			RawMessage:  message,
			OperationID: operationID,
		},
	})
}

// Complete publishes an operation_complete event
func (h *Hub) Complete(operationID string, success bool, message string) {
	h.Publish(Event{
		Type: EventOperationComplete,
		Data: Completion{
			Success:     success,
			Message:     message,
			OperationID: operationID,
		},
	})
}

// Snapshot returns the current operation status
func (h *Hub) Snapshot() Status {
	h.mu.RLock()
	status := h.status
	h.mu.RUnlock()

	if status == nil {
		return Status{}
	}
	return status.Status()
}

// StatusEvent wraps Snapshot in a status_update event
func (h *Hub) StatusEvent() Event {
	return Event{Type: EventStatusUpdate, Data: h.Snapshot()}
}

// Count returns the number of connected observers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Pending returns the number of events buffered but not yet consumed across all observers
func (h *Hub) Pending() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pending := 0
	for sub := range h.clients {
		pending += len(sub.events)
	}
	return pending
}
