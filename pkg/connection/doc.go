// Package connection manages the lifecycle of one AMQP connection to the
// service.
//
// This package handles:
//   - Opening the engine connection and its session
//   - Creating, tracking and detaching sender and receiver links by name
//   - Lazily attaching the CBS agent for put-token requests
//   - Tearing everything down on disconnect or connection loss
//   - Reconnecting after a loss (Reconnector)
//
// # States
//
//	DISCONNECTED -> CONNECTING -> CONNECTING_SESSION -> CONNECTED
//	CONNECTED -> DISCONNECTING -> DISCONNECTED
//
// Connect and Disconnect issued while a transition is in flight are
// queued and replayed, in order, once it settles.
//
// # Connection Loss
//
// A connection or session error while connected force-detaches every link
// and the CBS agent with the same cause, closes the engine endpoints and
// moves to DISCONNECTED. Handlers registered with OnDisconnected then
// receive the cause. A link failure only removes that link from tracking.
//
// # Disconnect
//
// Disconnect force-detaches the CBS agent, detaches every link
// cooperatively (bounded by DetachTimeout) and closes the session and the
// connection. Individual detach failures are logged, never returned.
//
// # Reconnection
//
// A Reconnector retries Connect under a retry.Policy after every
// unrequested disconnect:
//
//  1. The first retry runs immediately
//  2. Later retries back off exponentially with jitter
//  3. Throttling errors use the longer throttled backoff
//  4. Fatal errors (e.g. unauthorized) stop retrying at once
//  5. The whole reconnect is bounded by MaxTimeout
package connection
