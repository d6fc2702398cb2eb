// Package engine defines the protocol engine the transport core drives.
//
// The engine owns sockets, TLS, SASL and AMQP framing. The core never
// touches bytes: it calls non-blocking engine methods and reacts to Events
// the engine reports through a Handler. Handlers may be invoked from any
// goroutine; the core re-injects every event into its own loop.
//
// Event order per endpoint follows the protocol: a link reports LinkOpened
// (or LinkError/LinkClosed) once after being opened, then any number of
// Sendable, delivery and MessageReceived events, then LinkClosed or
// LinkError once.
package engine

import (
	"crypto/tls"
	"time"

	"github.com/devicelink/devicelink-go/pkg/message"
)

// DeliveryID identifies one outgoing transfer on a sender link.
type DeliveryID uint64

// EventType identifies an engine event.
type EventType uint8

const (
	// ConnectionOpened reports that the connection handshake completed.
	ConnectionOpened EventType = iota
	// ConnectionClosed reports that the connection closed; Err may be set.
	ConnectionClosed
	// ConnectionError reports a connection-level failure.
	ConnectionError
	// SessionOpened reports that the session is ready.
	SessionOpened
	// SessionClosed reports that the session closed; Err may be set.
	SessionClosed
	// SessionError reports a session-level failure.
	SessionError
	// LinkOpened reports that the peer attached the link.
	LinkOpened
	// LinkClosed reports that the link detached; Err carries a remote error.
	LinkClosed
	// LinkError reports a link-level failure.
	LinkError
	// LinkSendable reports that the sender link gained credit.
	LinkSendable
	// DeliveryAccepted reports that the peer accepted a transfer.
	DeliveryAccepted
	// DeliveryRejected reports that the peer rejected a transfer; Err is set.
	DeliveryRejected
	// DeliveryReleased reports that the peer released a transfer.
	DeliveryReleased
	// MessageReceived reports an inbound message on a receiver link.
	MessageReceived
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case ConnectionOpened:
		return "CONNECTION_OPENED"
	case ConnectionClosed:
		return "CONNECTION_CLOSED"
	case ConnectionError:
		return "CONNECTION_ERROR"
	case SessionOpened:
		return "SESSION_OPENED"
	case SessionClosed:
		return "SESSION_CLOSED"
	case SessionError:
		return "SESSION_ERROR"
	case LinkOpened:
		return "LINK_OPENED"
	case LinkClosed:
		return "LINK_CLOSED"
	case LinkError:
		return "LINK_ERROR"
	case LinkSendable:
		return "LINK_SENDABLE"
	case DeliveryAccepted:
		return "DELIVERY_ACCEPTED"
	case DeliveryRejected:
		return "DELIVERY_REJECTED"
	case DeliveryReleased:
		return "DELIVERY_RELEASED"
	case MessageReceived:
		return "MESSAGE_RECEIVED"
	default:
		return "UNKNOWN"
	}
}

// Event is something the engine reports about an endpoint.
type Event struct {
	Type EventType

	// Err is the failure or remote error, when the event carries one.
	Err error

	// DeliveryID identifies the transfer for delivery events.
	DeliveryID DeliveryID

	// Message and Delivery are set for MessageReceived.
	Message  *message.Message
	Delivery Delivery
}

// Handler receives engine events. It may be called from any goroutine and
// must not block.
type Handler func(Event)

// Engine opens connections.
type Engine interface {
	// Dial starts opening a connection. The outcome is reported to h as
	// ConnectionOpened or ConnectionError. Later failures are reported as
	// ConnectionError or ConnectionClosed.
	Dial(params *TransportParams, h Handler) (Conn, error)
}

// Conn is an engine connection.
type Conn interface {
	// NewSession starts opening a session; the outcome is reported to h.
	NewSession(h Handler) (Session, error)

	// Close tears down the connection without waiting for the peer.
	Close() error
}

// Session is an engine session.
type Session interface {
	// OpenSender starts attaching a sender link; the outcome is reported to h.
	OpenSender(opts LinkOptions, h Handler) (Link, error)

	// OpenReceiver starts attaching a receiver link; the outcome is reported to h.
	OpenReceiver(opts LinkOptions, h Handler) (Link, error)

	// Close ends the session without waiting for the peer.
	Close() error
}

// Link is an engine link handle.
type Link interface {
	// Credit returns how many transfers may be sent now (senders only).
	Credit() int

	// Send starts transmitting msg and returns its delivery id. The outcome
	// is reported as a delivery event with the same id.
	Send(msg *message.Message) (DeliveryID, error)

	// Close detaches cooperatively; done is called with the outcome. No
	// LinkClosed event follows a locally initiated close.
	Close(done func(error))

	// Abort discards the link immediately, without a detach handshake and
	// without further events.
	Abort()
}

// Delivery is the settlement handle of a received message.
type Delivery interface {
	// Accept settles the delivery as accepted.
	Accept(done func(error))

	// Reject settles the delivery as rejected with the given reason.
	Reject(reason error, done func(error))

	// Abandon releases the delivery so the peer may redeliver it.
	Abandon(done func(error))
}

// SASLMechanism selects how the connection authenticates.
type SASLMechanism string

const (
	// SASLAnonymous authenticates later through CBS put-token.
	SASLAnonymous SASLMechanism = "ANONYMOUS"
	// SASLPlain authenticates with Username/Password.
	SASLPlain SASLMechanism = "PLAIN"
	// SASLExternal authenticates with the TLS client certificate.
	SASLExternal SASLMechanism = "EXTERNAL"
)

// TransportParams describes the endpoint to connect to.
type TransportParams struct {
	// Host is the target identity (e.g. hub.example.net).
	Host string

	// Port defaults to 5671 with TLS and 5672 without.
	Port int

	// ContainerID identifies this client; generated when empty.
	ContainerID string

	// SASL selects the authentication mechanism.
	SASL SASLMechanism

	// Username and Password are used with SASLPlain.
	Username string
	Password string

	// TLS enables TLS when non-nil.
	TLS *tls.Config

	// IdleTimeout is the requested idle timeout; zero lets the engine decide.
	IdleTimeout time.Duration

	// DialTimeout bounds the connection handshake.
	DialTimeout time.Duration

	// Properties are sent in the connection open frame.
	Properties map[string]any
}

// Address returns host:port with the default port applied.
func (p *TransportParams) Address() string {
	port := p.Port
	if port == 0 {
		port = 5672
		if p.TLS != nil {
			port = 5671
		}
	}
	return joinHostPort(p.Host, port)
}

// LinkOptions configure one link.
type LinkOptions struct {
	// Name is the link name, unique per direction on a connection.
	Name string

	// Address is the target (sender) or source (receiver) address.
	Address string

	// Credit is the receiver credit window; zero lets the engine decide.
	Credit int

	// SettleFirst sends pre-settled transfers (at-most-once).
	SettleFirst bool

	// Properties are attached to the link attach frame.
	Properties map[string]any
}

// Merge returns o with every zero field filled from defaults.
func (o LinkOptions) Merge(defaults LinkOptions) LinkOptions {
	out := defaults
	if o.Name != "" {
		out.Name = o.Name
	}
	if o.Address != "" {
		out.Address = o.Address
	}
	if o.Credit != 0 {
		out.Credit = o.Credit
	}
	if o.SettleFirst {
		out.SettleFirst = true
	}
	if len(o.Properties) > 0 {
		props := make(map[string]any, len(defaults.Properties)+len(o.Properties))
		for k, v := range defaults.Properties {
			props[k] = v
		}
		for k, v := range o.Properties {
			props[k] = v
		}
		out.Properties = props
	}
	return out
}
