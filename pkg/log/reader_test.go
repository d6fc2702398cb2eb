package log

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCapture(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.dlog")
	fl, err := NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		fl.Log(e)
	}
	require.NoError(t, fl.Close())
	return path
}

func readCapture(t *testing.T, path string, filter Filter) []Event {
	t.Helper()
	r, err := NewFilteredReader(path, filter)
	require.NoError(t, err)
	defer r.Close()

	var out []Event
	for {
		e, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func TestReaderStreamsCapture(t *testing.T) {
	session := deviceSession()
	r, err := NewReader(writeCapture(t, session))
	require.NoError(t, err)
	defer r.Close()

	for i := range session {
		e, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, session[i].Category, e.Category, "event %d", i)
	}
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, len(session), r.Decoded())
}

func TestReaderFilters(t *testing.T) {
	path := writeCapture(t, deviceSession())
	start := time.Date(2026, 10, 17, 9, 30, 0, 90*int(time.Millisecond), time.UTC)
	end := start.Add(120 * time.Millisecond)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"everything", Filter{ConnectionID: "device-7f3a"}, []string{"", "", "cbs-1", "cbs-1", "t-1", "t-1", "c-1", "c-1", ""}},
		{"telemetry link", Filter{LinkName: "telemetry"}, []string{"t-1", "t-1"}},
		{"cbs layer", Filter{Layer: ptr(LayerCBS)}, []string{"cbs-1", "cbs-1"}},
		{"token category", Filter{Category: ptr(CategoryToken)}, []string{"cbs-1", "cbs-1"}},
		{"one message", Filter{MessageID: "t-1"}, []string{"t-1", "t-1"}},
		{"one token request", Filter{MessageID: "cbs-1"}, []string{"cbs-1", "cbs-1"}},
		{"inbound", Filter{Direction: ptr(DirectionIn)}, []string{"", "cbs-1", "t-1", "c-1", ""}},
		{"outbound settlements", Filter{Direction: ptr(DirectionOut), Category: ptr(CategorySettlement)}, []string{"c-1"}},
		{"time window", Filter{TimeStart: &start, TimeEnd: &end}, []string{"cbs-1", "t-1", "t-1", "c-1"}},
		{"other host", Filter{Host: "other.example.net"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, e := range readCapture(t, path, tt.filter) {
				ids = append(ids, MessageIDOf(e))
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestReaderTruncatedCapture(t *testing.T) {
	path := writeCapture(t, deviceSession())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o600))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	n := 0
	for {
		_, err = r.Next()
		if err != nil {
			break
		}
		n++
	}
	assert.Equal(t, len(deviceSession())-1, n)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "truncated after 8 events")
}

func TestReaderCorruptCapture(t *testing.T) {
	r := NewStreamReader(bytes.NewReader([]byte{0xff, 0xff, 0xff}), Filter{})
	_, err := r.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestStreamReader(t *testing.T) {
	var buf bytes.Buffer
	for _, e := range deviceSession() {
		data, err := EncodeEvent(e)
		require.NoError(t, err)
		buf.Write(data)
	}

	r := NewStreamReader(&buf, Filter{Layer: ptr(LayerConnection)})
	var states []string
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if e.StateChange != nil {
			states = append(states, e.StateChange.NewState)
		}
	}
	assert.Equal(t, []string{"CONNECTING", "CONNECTED"}, states)
	assert.Equal(t, len(deviceSession()), r.Decoded())
	assert.NoError(t, r.Close())
}

func TestReaderEmptyAndMissing(t *testing.T) {
	empty := filepath.Join(t.TempDir(), "empty.dlog")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	assert.Empty(t, readCapture(t, empty, Filter{}))

	_, err := NewReader(filepath.Join(t.TempDir(), "missing.dlog"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func ptr[T any](v T) *T { return &v }
