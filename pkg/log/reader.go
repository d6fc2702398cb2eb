package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Stdin is the path that makes a Reader consume standard input.
const Stdin = "-"

// Filter selects events. Zero fields match every event.
type Filter struct {
	ConnectionID string
	Host         string
	LinkName     string

	// MessageID matches the transfer and settlement events of one message
	// and the token events of one put-token request.
	MessageID string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Match reports whether event passes every criterion of f.
func (f *Filter) Match(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID:
		return false
	case f.Host != "" && event.Host != f.Host:
		return false
	case f.LinkName != "" && event.LinkName != f.LinkName:
		return false
	case f.MessageID != "" && MessageIDOf(event) != f.MessageID:
		return false
	case f.Direction != nil && event.Direction != *f.Direction:
		return false
	case f.Layer != nil && event.Layer != *f.Layer:
		return false
	case f.Category != nil && event.Category != *f.Category:
		return false
	case f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart):
		return false
	case f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	}
	return true
}

// MessageIDOf returns the message id an event refers to: the application
// message id of transfers and settlements, or the request id of token
// events. Other events return "".
func MessageIDOf(event Event) string {
	switch {
	case event.Message != nil:
		return event.Message.MessageID
	case event.Settlement != nil:
		return event.Settlement.MessageID
	case event.Token != nil:
		return event.Token.RequestID
	}
	return ""
}

// Reader streams events from a .dlog capture.
type Reader struct {
	src     io.Closer
	dec     *cbor.Decoder
	filter  Filter
	decoded int
}

// NewReader reads every event in the capture at path.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader reads the events at path that match filter. A path of
// Stdin reads standard input.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	if path == Stdin {
		return NewStreamReader(os.Stdin, filter), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open protocol log: %w", err)
	}
	r := NewStreamReader(f, filter)
	r.src = f
	return r, nil
}

// NewStreamReader reads matching events from r. Closing the Reader does
// not close r.
func NewStreamReader(r io.Reader, filter Filter) *Reader {
	return &Reader{dec: NewDecoder(r), filter: filter}
}

// Next returns the next matching event, or io.EOF at the end of the
// capture. A capture cut short inside an event, as left by a process that
// died mid-write, ends with an error wrapping io.ErrUnexpectedEOF.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		err := r.dec.Decode(&event)
		switch {
		case err == io.EOF:
			return Event{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Event{}, fmt.Errorf("protocol log truncated after %d events: %w", r.decoded, err)
		case err != nil:
			return Event{}, fmt.Errorf("decode event %d: %w", r.decoded+1, err)
		}
		r.decoded++
		if r.filter.Match(event) {
			return event, nil
		}
	}
}

// Decoded returns how many events were read so far, matching or not.
func (r *Reader) Decoded() int { return r.decoded }

// Close releases the capture file.
func (r *Reader) Close() error {
	if r.src == nil {
		return nil
	}
	return r.src.Close()
}
