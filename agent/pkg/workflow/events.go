package workflow

// EventType classifies a progress event on the streaming channel.
type EventType string

const (
	// EventChunk reports progress or content from a stage.
	EventChunk EventType = "chunk"
	// EventInterrupt carries a clarification question; the run is suspended.
	EventInterrupt EventType = "interrupt"
	// EventComplete carries the final answer. Exactly one terminates a run.
	EventComplete EventType = "complete"
	// EventError carries a natural-language failure message. Exactly one
	// terminates a failed run.
	EventError EventType = "error"
)

// Event is one progress record emitted by a streaming run. Every stage
// transition produces one event; the repair loop produces one per
// attempt. The sequence is finite and ends with exactly one complete or
// error event.
type Event struct {
	Type    EventType `json:"type"`
	Stage   Stage     `json:"stage"`
	Content string    `json:"content"`
	SQL     string    `json:"sql,omitempty"`
}

// EventCallback receives progress events during a streaming run. A nil
// callback is valid and discards events.
type EventCallback func(Event)
