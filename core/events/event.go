package events

import "escrowd/core/types"

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
}

// Carrier is implemented by events that expose their full payload. Consumers
// that only need the type string can ignore it.
type Carrier interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (archive, metrics,
// websocket feeds).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default for components that optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout forwards every event to each configured emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
