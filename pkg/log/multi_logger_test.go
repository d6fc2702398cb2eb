package log

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiLoggerFansOutInOrder(t *testing.T) {
	var order []string
	first := LoggerFunc(func(e Event) { order = append(order, "first:"+e.Category.String()) })
	second := LoggerFunc(func(e Event) { order = append(order, "second:"+e.Category.String()) })

	m := NewMultiLogger(first, second)
	session := deviceSession()
	m.Log(session[2])
	m.Log(session[5])

	assert.Equal(t, []string{"first:TOKEN", "second:TOKEN", "first:SETTLEMENT", "second:SETTLEMENT"}, order)
}

func TestMultiLoggerSkipsAndFlattens(t *testing.T) {
	a, b, c := &recorder{}, &recorder{}, &recorder{}
	var nilMulti *MultiLogger

	inner := NewMultiLogger(b, NoopLogger{}, c)
	m := NewMultiLogger(nil, a, NoopLogger{}, inner, nilMulti)
	assert.Equal(t, 3, m.Len())
	assert.Zero(t, NewMultiLogger().Len())

	for _, e := range deviceSession() {
		m.Log(e)
	}
	for _, r := range []*recorder{a, b, c} {
		assert.Equal(t, a.categories(), r.categories())
	}
	assert.Len(t, a.events, len(deviceSession()))
}

func TestMultiLoggerFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.dlog")
	fl, err := NewFileLogger(path)
	require.NoError(t, err)

	var console bytes.Buffer
	m := NewMultiLogger(fl, NewSlogAdapter(slog.New(slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	for _, e := range deviceSession() {
		m.Log(e)
	}
	require.NoError(t, fl.Close())

	assert.Len(t, readCapture(t, path, Filter{}), len(deviceSession()))
	assert.Contains(t, console.String(), "t-1")
	assert.Contains(t, console.String(), "cbs-1")
}
