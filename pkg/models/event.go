package models

// OutboundEventType tags the variants of an OutboundEvent.
type OutboundEventType string

const (
	// EventDelta carries an incremental text fragment while a turn streams.
	EventDelta OutboundEventType = "delta"
	// EventFinal carries the completed assistant message for a turn.
	EventFinal OutboundEventType = "final"
	// EventFailure reports that a turn failed; Reason explains why.
	EventFailure OutboundEventType = "failure"
)

// OutboundEvent is what a session's subscribers and channel adapters receive.
// For every turn, zero or more delta events are followed by exactly one
// final or failure event.
type OutboundEvent struct {
	Type       OutboundEventType `json:"type"`
	SessionKey string            `json:"session_key"`
	Delta      string            `json:"delta,omitempty"`
	Message    *Message          `json:"message,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}
