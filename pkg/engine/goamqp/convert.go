package goamqp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/message"
)

// convertErr turns go-amqp errors into values the core can classify.
// Remote errors become errs.RemoteError; locally detected endpoint failures
// become LinkDetached or NotConnected errors wrapping the original.
func convertErr(err error) error {
	if err == nil {
		return nil
	}
	var linkErr *amqp.LinkError
	var sessErr *amqp.SessionError
	var connErr *amqp.ConnError
	var amqpErr *amqp.Error
	switch {
	case errors.As(err, &linkErr):
		if linkErr.RemoteErr != nil {
			return remoteError(linkErr.RemoteErr)
		}
		return errs.Wrap(errs.LinkDetached, err, "link detached")
	case errors.As(err, &sessErr):
		if sessErr.RemoteErr != nil {
			return remoteError(sessErr.RemoteErr)
		}
		return errs.Wrap(errs.NotConnected, err, "session ended")
	case errors.As(err, &connErr):
		if connErr.RemoteErr != nil {
			return remoteError(connErr.RemoteErr)
		}
		return errs.Wrap(errs.NotConnected, err, "connection closed")
	case errors.As(err, &amqpErr):
		return remoteError(amqpErr)
	}
	return err
}

func remoteError(e *amqp.Error) *errs.RemoteError {
	return &errs.RemoteError{
		Condition:   string(e.Condition),
		Description: e.Description,
		Info:        e.Info,
	}
}

// toAMQPError builds the error carried by a rejected disposition.
func toAMQPError(reason error) *amqp.Error {
	if reason == nil {
		return nil
	}
	var remote *errs.RemoteError
	if errors.As(reason, &remote) {
		return &amqp.Error{Condition: amqp.ErrCond(remote.Condition), Description: remote.Description, Info: remote.Info}
	}
	var classified *errs.Error
	if errors.As(reason, &classified) && classified.Condition != "" {
		return &amqp.Error{Condition: amqp.ErrCond(classified.Condition), Description: classified.Message}
	}
	return &amqp.Error{Condition: amqp.ErrCondInternalError, Description: reason.Error()}
}

// toAMQP converts an outgoing message. Value takes precedence over Body.
func toAMQP(m *message.Message) *amqp.Message {
	am := &amqp.Message{}
	if m.Value != nil {
		am.Value = m.Value
	} else {
		am.Data = [][]byte{m.Body}
	}

	props := &amqp.MessageProperties{
		To:              optional(m.To),
		ReplyTo:         optional(m.ReplyTo),
		ContentType:     optional(m.ContentType),
		ContentEncoding: optional(m.ContentEncoding),
	}
	if m.MessageID != "" {
		props.MessageID = m.MessageID
	}
	if m.CorrelationID != "" {
		props.CorrelationID = m.CorrelationID
	}
	if m.UserID != "" {
		props.UserID = []byte(m.UserID)
	}
	if !m.ExpiryTime.IsZero() {
		t := m.ExpiryTime
		props.AbsoluteExpiryTime = &t
	}
	am.Properties = props

	if len(m.Properties) > 0 {
		am.ApplicationProperties = make(map[string]any, len(m.Properties))
		for k, v := range m.Properties {
			am.ApplicationProperties[k] = v
		}
	}
	if len(m.Annotations) > 0 {
		am.Annotations = make(amqp.Annotations, len(m.Annotations))
		for k, v := range m.Annotations {
			am.Annotations[k] = v
		}
	}
	return am
}

// fromAMQP converts a received message.
func fromAMQP(am *amqp.Message) *message.Message {
	m := &message.Message{Value: am.Value}
	if am.Value == nil {
		m.Body = am.GetData()
	}
	if p := am.Properties; p != nil {
		m.MessageID = idString(p.MessageID)
		m.CorrelationID = idString(p.CorrelationID)
		m.To = deref(p.To)
		m.ReplyTo = deref(p.ReplyTo)
		m.ContentType = deref(p.ContentType)
		m.ContentEncoding = deref(p.ContentEncoding)
		m.UserID = string(p.UserID)
		if p.AbsoluteExpiryTime != nil {
			m.ExpiryTime = *p.AbsoluteExpiryTime
		}
	}
	if len(am.ApplicationProperties) > 0 {
		m.Properties = make(map[string]any, len(am.ApplicationProperties))
		for k, v := range am.ApplicationProperties {
			m.Properties[k] = v
		}
	}
	if len(am.Annotations) > 0 {
		m.Annotations = make(map[string]any, len(am.Annotations))
		for k, v := range am.Annotations {
			m.Annotations[fmt.Sprint(k)] = v
		}
	}
	m.LockToken = lockToken(am.DeliveryTag)
	return m
}

// idString renders a message or correlation id. AMQP allows string, uuid,
// binary and ulong ids.
func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case amqp.UUID:
		return uuid.UUID(id).String()
	case []byte:
		return string(id)
	case time.Time:
		return id.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(id)
	}
}

// lockToken renders a delivery tag. Service delivery tags are uuids.
func lockToken(tag []byte) string {
	if len(tag) == 0 {
		return ""
	}
	if id, err := uuid.FromBytes(tag); err == nil {
		return id.String()
	}
	return hex.EncodeToString(tag)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
