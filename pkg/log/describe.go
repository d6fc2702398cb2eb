package log

import (
	"errors"
	"time"

	"github.com/devicelink/devicelink-go/pkg/errs"
)

// Describe builds the error payload for err, recording its kind and the
// AMQP condition it was translated from, if any.
func Describe(layer Layer, err error, context string) *ErrorEventData {
	if err == nil {
		return nil
	}
	data := &ErrorEventData{
		Layer:   layer,
		Message: err.Error(),
		Kind:    errs.KindOf(err).String(),
		Context: context,
	}
	var e *errs.Error
	if errors.As(err, &e) {
		data.Condition = e.Condition
	}
	return data
}

// Emitter stamps events with a connection's identity before passing them
// to a Logger. The zero value and a nil *Emitter discard events.
type Emitter struct {
	Logger       Logger
	ConnectionID string
	Host         string

	// Now returns the event timestamp; defaults to time.Now.
	Now func() time.Time
}

// Enabled reports whether events reach a logger.
func (e *Emitter) Enabled() bool {
	return e != nil && e.Logger != nil
}

// Emit fills Timestamp, ConnectionID and Host and logs the event.
func (e *Emitter) Emit(event Event) {
	if !e.Enabled() {
		return
	}
	if e.Now != nil {
		event.Timestamp = e.Now()
	} else {
		event.Timestamp = time.Now()
	}
	event.ConnectionID = e.ConnectionID
	if event.Host == "" {
		event.Host = e.Host
	}
	e.Logger.Log(event)
}

// State logs a state change of entity.
func (e *Emitter) State(layer Layer, entity StateEntity, linkName, oldState, newState string, reason error) {
	if !e.Enabled() {
		return
	}
	sc := &StateChangeEvent{Entity: entity, OldState: oldState, NewState: newState}
	if reason != nil {
		sc.Reason = reason.Error()
	}
	e.Emit(Event{Layer: layer, Category: CategoryState, LinkName: linkName, StateChange: sc})
}

// Error logs err at layer. Nil errors are ignored.
func (e *Emitter) Error(layer Layer, linkName string, err error, context string) {
	if !e.Enabled() || err == nil {
		return
	}
	e.Emit(Event{Layer: layer, Category: CategoryError, LinkName: linkName, Error: Describe(layer, err, context)})
}
