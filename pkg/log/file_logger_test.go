package log

import (
	"bytes"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoggerRecordsSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.dlog")
	fl, err := NewFileLogger(path)
	require.NoError(t, err)

	session := deviceSession()
	for _, e := range session {
		fl.Log(e)
	}
	written, dropped := fl.Stats()
	assert.Equal(t, uint64(len(session)), written)
	assert.Zero(t, dropped)
	require.NoError(t, fl.Close())

	got := readCapture(t, path, Filter{})
	require.Len(t, got, len(session))
	for i := range session {
		assert.True(t, session[i].Timestamp.Equal(got[i].Timestamp), "event %d timestamp", i)
		assert.Equal(t, session[i].Category, got[i].Category, "event %d", i)
		assert.Equal(t, MessageIDOf(session[i]), MessageIDOf(got[i]), "event %d", i)
	}

	token := got[3].Token
	require.NotNil(t, token)
	require.NotNil(t, token.StatusCode)
	assert.Equal(t, 200, *token.StatusCode)

	settled := got[5].Settlement
	require.NotNil(t, settled)
	require.NotNil(t, settled.Latency)
	assert.Equal(t, *session[5].Settlement.Latency, *settled.Latency)
	assert.Equal(t, "21.5", got[4].Message.Properties["temp"])
	assert.Equal(t, "NOT_CONNECTED", got[8].Error.Kind)
}

func TestFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.dlog")
	session := deviceSession()

	for n := 0; n < 2; n++ {
		fl, err := NewFileLogger(path)
		require.NoError(t, err)
		for _, e := range session {
			fl.Log(e)
		}
		require.NoError(t, fl.Close())
	}
	assert.Len(t, readCapture(t, path, Filter{}), 2*len(session))
}

func TestFileLoggerOwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "session.dlog")
	fl, err := NewFileLogger(path)
	require.NoError(t, err)
	require.NoError(t, fl.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0o077, "mode %v", info.Mode().Perm())
}

func TestFileLoggerReportsDroppedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.dlog")
	var out bytes.Buffer
	fl, err := NewFileLogger(path, WithErrorLogger(slog.New(slog.NewTextHandler(&out, nil))))
	require.NoError(t, err)

	session := deviceSession()
	huge := session[4]
	huge.Message = &MessageEvent{MessageID: "t-2", Size: 1, Properties: map[string]any{"blob": strings.Repeat("x", MaxEventSize)}}
	broken := session[4]
	broken.Message = &MessageEvent{MessageID: "t-3", Properties: map[string]any{"ch": make(chan int)}}

	fl.Log(session[0])
	fl.Log(huge)
	fl.Log(broken)
	fl.Log(session[1])

	written, dropped := fl.Stats()
	assert.Equal(t, uint64(2), written)
	assert.Equal(t, uint64(2), dropped)
	require.NoError(t, fl.Close())

	assert.Equal(t, 2, strings.Count(out.String(), "protocol event not recorded"))
	assert.Contains(t, out.String(), "category=MESSAGE")
	assert.Contains(t, out.String(), "link=telemetry")
	assert.Len(t, readCapture(t, path, Filter{}), 2, "dropped events leave the capture readable")
}

func TestFileLoggerClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.dlog")
	fl, err := NewFileLogger(path)
	require.NoError(t, err)

	fl.Log(deviceSession()[0])
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Close())

	fl.Log(deviceSession()[1])
	written, dropped := fl.Stats()
	assert.Equal(t, uint64(1), written)
	assert.Zero(t, dropped, "events after Close are ignored, not dropped")
	assert.Len(t, readCapture(t, path, Filter{}), 1)
}

func TestFileLoggerConcurrentConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.dlog")
	fl, err := NewFileLogger(path)
	require.NoError(t, err)

	const conns = 8
	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, e := range deviceSession() {
				e.ConnectionID = "device-" + string(rune('a'+i))
				fl.Log(e)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, fl.Close())

	assert.Len(t, readCapture(t, path, Filter{}), conns*len(deviceSession()))
	assert.Len(t, readCapture(t, path, Filter{ConnectionID: "device-c"}), len(deviceSession()))
}

func TestNewFileLoggerMissingDirectory(t *testing.T) {
	_, err := NewFileLogger(filepath.Join(t.TempDir(), "missing", "session.dlog"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
