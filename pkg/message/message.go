// Package message defines the message model carried over links.
//
// A Message is an opaque payload plus a property bag. The engine turns it
// into protocol frames; the transport core only validates it.
package message

import (
	"fmt"
	"time"

	"github.com/devicelink/devicelink-go/pkg/errs"
)

// MaxIDLength is the maximum length of message and correlation ids.
const MaxIDLength = 128

// Message is one unit of data sent or received over a link.
type Message struct {
	// Body is the binary payload (AMQP data section).
	Body []byte

	// Value is an AMQP value body. When set it takes precedence over Body.
	Value any

	// MessageID uniquely identifies the message (ASCII, ≤128 chars).
	MessageID string

	// CorrelationID links a response to its request (ASCII, ≤128 chars).
	CorrelationID string

	// To is the destination address.
	To string

	// ReplyTo is the address responses should be sent to.
	ReplyTo string

	// ContentType is the MIME type of Body.
	ContentType string

	// ContentEncoding is the encoding of Body.
	ContentEncoding string

	// UserID identifies the sending user.
	UserID string

	// ExpiryTime is the absolute expiry; zero means none.
	ExpiryTime time.Time

	// Properties are application properties. Keys are unique by construction.
	Properties map[string]any

	// Annotations are message annotations (protocol-specific metadata).
	Annotations map[string]any

	// LockToken identifies the delivery of a received message, if the
	// engine provides one.
	LockToken string
}

// New creates a message with a binary body.
func New(body []byte) *Message {
	return &Message{Body: body}
}

// SetProperty sets an application property, replacing any previous value.
func (m *Message) SetProperty(key string, value any) {
	if m.Properties == nil {
		m.Properties = make(map[string]any)
	}
	m.Properties[key] = value
}

// Property returns an application property.
func (m *Message) Property(key string) (any, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

// Validate checks the message against protocol limits. A nil message is
// rejected.
func Validate(m *Message) error {
	if m == nil {
		return errs.New(errs.Argument, "message is nil")
	}
	if err := validateID("message id", m.MessageID); err != nil {
		return err
	}
	if err := validateID("correlation id", m.CorrelationID); err != nil {
		return err
	}
	for k := range m.Properties {
		if k == "" {
			return errs.New(errs.Argument, "property key is empty")
		}
	}
	return nil
}

func validateID(what, id string) error {
	if len(id) > MaxIDLength {
		return errs.Newf(errs.ArgumentOutOfRange, "%s longer than %d characters", what, MaxIDLength)
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 0x7f {
			return errs.New(errs.Argument, fmt.Sprintf("%s contains non-ASCII characters", what))
		}
	}
	return nil
}
