package coordinator

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventStationAdded     = "station_added"
	EventDeviceAdded      = "device_added"
	EventStationConnect   = "station_connect"
	EventStationClose     = "station_close"
	EventStateChanged     = "state_changed"
	EventPushMessage      = "push_message"
	EventLivestreamStart  = "livestream_start"
	EventLivestreamStop   = "livestream_stop"
	EventCommandResult    = "command_result"
	EventConnection       = "connection"
	EventPushConnection   = "push_connection"
	EventVerifyCodeNeeded = "verify_code_needed"
	EventRefresh          = "refresh"
)

// Event is published on the EventBus.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans coordinator events out to the outer surfaces.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger.With("component", "events"),
	}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls every matching handler synchronously. A panicking handler is
// recovered and logged.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}

// StateChange is the payload of EventStateChanged. Deleted states carry a
// nil Val.
type StateChange struct {
	ID      string    `json:"id"`
	Val     any       `json:"val"`
	Ack     bool      `json:"ack"`
	TS      time.Time `json:"ts"`
	Deleted bool      `json:"deleted,omitempty"`
}
