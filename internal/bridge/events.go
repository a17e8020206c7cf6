package bridge

import (
	"log/slog"
	"slices"
	"sync"
)

// Event types and their payloads.
const (
	EventEndpointAdded   = "endpoint_added"   // EndpointInfo
	EventEndpointRemoved = "endpoint_removed" // EndpointInfo
	EventAttributeReport = "attribute_report" // AttributeReport
	EventClusterEvent    = "cluster_event"    // ClusterEvent
	EventDeviceState     = "device_state"     // DeviceStateChange
	EventCommandResult   = "command_result"   // OperationResult
	EventWriteResult     = "write_result"     // OperationResult
	EventCapabilityGap   = "capability_gap"   // CapabilityGap
)

// Event is one bridge event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Endpoint returns the target endpoint the event concerns, or 0 when the
// event is not about a single endpoint.
func (e Event) Endpoint() EndpointID {
	switch d := e.Data.(type) {
	case AttributeReport:
		return d.Endpoint
	case ClusterEvent:
		return d.Endpoint
	case EndpointInfo:
		return d.Endpoint
	case OperationResult:
		return d.Endpoint
	case CapabilityGap:
		return d.Endpoint
	}
	return 0
}

// Device returns the native address of the device the event concerns, or
// "" when the payload does not name one.
func (e Event) Device() string {
	switch d := e.Data.(type) {
	case AttributeReport:
		return d.DeviceID
	case EndpointInfo:
		return d.DeviceID
	case DeviceStateChange:
		return d.DeviceID
	case CapabilityGap:
		return d.DeviceID
	}
	return ""
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscriber struct {
	id    uint64
	types []string // empty matches every type
	fn    EventHandler
}

func (s subscriber) wants(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// EventBus fans bridge events out to subscribers. Subscribers are called in
// the order they subscribed.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger.With("component", "events")}
}

// On registers a handler for one event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe([]string{eventType}, handler)
}

// OnAny registers a handler for several event types.
// Returns an unsubscribe function.
func (eb *EventBus) OnAny(eventTypes []string, handler EventHandler) func() {
	if len(eventTypes) == 0 {
		return func() {}
	}
	return eb.subscribe(slices.Clone(eventTypes), handler)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe(nil, handler)
}

func (eb *EventBus) subscribe(types []string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscriber{id: id, types: types, fn: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			eb.subs = slices.DeleteFunc(eb.subs, func(s subscriber) bool { return s.id == id })
		})
	}
}

// Subscribers returns the number of registered handlers.
func (eb *EventBus) Subscribers() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// Emit sends an event to all matching handlers.
// Handlers run synchronously in the emitter's goroutine, so events from one
// device queue reach every handler in order. A panicking handler is
// recovered and does not stop delivery to the others.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var handlers []EventHandler
	for _, s := range eb.subs {
		if s.wants(event.Type) {
			handlers = append(handlers, s.fn)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type,
				"endpoint", event.Endpoint(), "device", event.Device(), "panic", r)
		}
	}()
	h(event)
}
