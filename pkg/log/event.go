package log

import (
	"time"
)

// Event represents a protocol log event captured by the transport core.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the connection (the AMQP container id).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Host is the remote host the connection targets.
	Host string `cbor:"6,keyasint,omitempty"`

	// LinkName is the link the event belongs to (link and CBS layers).
	LinkName string `cbor:"7,keyasint,omitempty"`

	// Address is the link target or source address.
	Address string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Message     *MessageEvent     `cbor:"10,keyasint,omitempty"` // Transfers
	Settlement  *SettlementEvent  `cbor:"11,keyasint,omitempty"` // Delivery outcomes
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Connection/link/CBS state
	Token       *TokenEvent       `cbor:"13,keyasint,omitempty"` // CBS put-token
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which part of the transport core captured the event.
type Layer uint8

const (
	// LayerConnection is the connection and session layer.
	LayerConnection Layer = 0
	// LayerLink is the sender/receiver link layer.
	LayerLink Layer = 1
	// LayerCBS is the claims-based security agent.
	LayerCBS Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerConnection:
		return "CONNECTION"
	case LayerLink:
		return "LINK"
	case LayerCBS:
		return "CBS"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a message transfer.
	CategoryMessage Category = 0
	// CategorySettlement indicates a delivery outcome.
	CategorySettlement Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
	// CategoryToken indicates a CBS put-token exchange.
	CategoryToken Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategorySettlement:
		return "SETTLEMENT"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	case CategoryToken:
		return "TOKEN"
	default:
		return "UNKNOWN"
	}
}

// MessageEvent captures a transfer on a link.
type MessageEvent struct {
	// DeliveryID is the engine delivery id (outgoing transfers only).
	DeliveryID uint64 `cbor:"1,keyasint,omitempty"`

	// MessageID is the application message id.
	MessageID string `cbor:"2,keyasint,omitempty"`

	// CorrelationID is the application correlation id.
	CorrelationID string `cbor:"3,keyasint,omitempty"`

	// Size is the body size in bytes.
	Size int `cbor:"4,keyasint"`

	// Properties are the application properties (may be omitted).
	Properties map[string]any `cbor:"5,keyasint,omitempty"`
}

// SettlementEvent captures the outcome of a delivery.
type SettlementEvent struct {
	// DeliveryID is the engine delivery id (outgoing transfers only).
	DeliveryID uint64 `cbor:"1,keyasint,omitempty"`

	// MessageID is the application message id, when known.
	MessageID string `cbor:"2,keyasint,omitempty"`

	// Outcome is how the delivery was settled.
	Outcome Outcome `cbor:"3,keyasint"`

	// Latency is the time from transfer to settlement (outgoing only).
	// Stored as nanoseconds.
	Latency *time.Duration `cbor:"4,keyasint,omitempty"`
}

// Outcome is a delivery settlement outcome.
type Outcome uint8

const (
	// OutcomeAccepted indicates an accepted delivery.
	OutcomeAccepted Outcome = 0
	// OutcomeRejected indicates a rejected delivery.
	OutcomeRejected Outcome = 1
	// OutcomeReleased indicates a released (abandoned) delivery.
	OutcomeReleased Outcome = 2
	// OutcomeFailed indicates a delivery failed locally (link detached,
	// send error) without a peer outcome.
	OutcomeFailed Outcome = 3
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "ACCEPTED"
	case OutcomeRejected:
		return "REJECTED"
	case OutcomeReleased:
		return "RELEASED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures connection, link and CBS lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntitySession indicates a session state change.
	StateEntitySession StateEntity = 1
	// StateEntityLink indicates a link state change.
	StateEntityLink StateEntity = 2
	// StateEntityCBS indicates a CBS agent state change.
	StateEntityCBS StateEntity = 3
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntitySession:
		return "SESSION"
	case StateEntityLink:
		return "LINK"
	case StateEntityCBS:
		return "CBS"
	default:
		return "UNKNOWN"
	}
}

// TokenEvent captures a put-token request or its response.
type TokenEvent struct {
	// Audience is the resource the token grants access to.
	Audience string `cbor:"1,keyasint"`

	// RequestID correlates the request with its response.
	RequestID string `cbor:"2,keyasint"`

	// StatusCode is the response status (responses only).
	StatusCode *int `cbor:"3,keyasint,omitempty"`

	// Description is the response status description.
	Description string `cbor:"4,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Kind is the error kind name (see package errs).
	Kind string `cbor:"3,keyasint,omitempty"`

	// Condition is the AMQP error condition, when the peer sent one.
	Condition string `cbor:"4,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"5,keyasint,omitempty"`
}
