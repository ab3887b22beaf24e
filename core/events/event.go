package events

// Event represents a structured state change emitted by the market.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. gateway, audit
// log, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default for components that expose events optionally.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
