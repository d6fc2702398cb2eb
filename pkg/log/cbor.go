package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxEventSize bounds a single encoded event. Application properties are
// the only unbounded part of an event; anything larger is not logged.
const MaxEventSize = 64 * 1024

// Event fields carry integer CBOR keys (see the struct tags in event.go).
// Map keys are sorted so the same event always encodes to the same bytes,
// and timestamps keep nanoseconds for settlement latency analysis.
var (
	encMode = mustEncMode(cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	})
	decMode = mustDecMode(cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
		MaxMapPairs: MaxEventSize,
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	m, err := opts.EncMode()
	if err != nil {
		panic("log: cbor encoder options: " + err.Error())
	}
	return m
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	m, err := opts.DecMode()
	if err != nil {
		panic("log: cbor decoder options: " + err.Error())
	}
	return m
}

// EncodeEvent returns the CBOR form of event as written to .dlog files.
func EncodeEvent(event Event) ([]byte, error) {
	data, err := encMode.Marshal(event)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxEventSize {
		return nil, &EventTooLargeError{Category: event.Category, Size: len(data)}
	}
	return data, nil
}

// DecodeEvent parses one CBOR-encoded event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := decMode.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// NewDecoder returns a decoder for a stream of events read from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// EventTooLargeError reports an event whose encoding exceeds MaxEventSize.
type EventTooLargeError struct {
	Category Category
	Size     int
}

func (e *EventTooLargeError) Error() string {
	return "log: " + e.Category.String() + " event too large to record"
}
