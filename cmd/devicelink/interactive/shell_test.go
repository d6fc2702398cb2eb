package interactive

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelink/devicelink-go/internal/enginetest"
	"github.com/devicelink/devicelink-go/pkg/connection"
	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/message"
)

// syncBuffer is written from the connection loop and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestShell(t *testing.T) (*Shell, *enginetest.Engine, *syncBuffer) {
	t.Helper()
	e := enginetest.New()
	conn := connection.New(connection.Config{Engine: e})
	t.Cleanup(func() { _ = conn.Close() })

	out := &syncBuffer{}
	s := newShell(conn, &engine.TransportParams{Host: "hub.example.net"}, out)
	s.timeout = 2 * time.Second
	return s, e, out
}

func TestExecConnectAndStatus(t *testing.T) {
	s, e, out := newTestShell(t)
	ctx := context.Background()

	assert.False(t, s.Exec(ctx, "connect"))
	assert.Contains(t, out.String(), "Connected to hub.example.net:5672")
	assert.Len(t, e.Conns(), 1)

	s.Exec(ctx, "status")
	assert.Contains(t, out.String(), "State:    CONNECTED")

	s.Exec(ctx, "disconnect")
	assert.Contains(t, out.String(), "Disconnected")
	assert.True(t, e.LastConn().Closed())
}

func TestExecSend(t *testing.T) {
	s, e, out := newTestShell(t)
	ctx := context.Background()

	s.Exec(ctx, "connect")
	s.Exec(ctx, "sender telemetry /devices/d1/messages/events")
	require.Contains(t, out.String(), "Sender telemetry attached")

	done := make(chan struct{})
	go func() {
		s.Exec(ctx, "send telemetry hello world")
		close(done)
	}()

	l := e.LastConn().LastSession().Link("telemetry")
	require.NotNil(t, l)
	require.Eventually(t, func() bool { return len(l.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	sent := l.Sent()[0]
	assert.Equal(t, []byte("hello world"), sent.Message.Body)
	assert.NotEmpty(t, sent.Message.MessageID)
	l.Accept(sent.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}
	assert.Contains(t, out.String(), "Sent "+sent.Message.MessageID)
}

func TestExecReceiverAcceptsMessages(t *testing.T) {
	s, e, out := newTestShell(t)
	ctx := context.Background()

	s.Exec(ctx, "connect")
	s.Exec(ctx, "receiver c2d /devices/d1/messages/devicebound")
	require.Contains(t, out.String(), "Receiver c2d attached")

	l := e.LastConn().LastSession().Link("c2d")
	require.NotNil(t, l)
	d := l.Deliver(&message.Message{MessageID: "m1", Body: []byte("ping")})

	require.Eventually(t, func() bool { return len(d.Outcomes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"accept"}, d.Outcomes())
	assert.Contains(t, out.String(), `[MSG] c2d id=m1 "ping"`)

	s.Exec(ctx, "detach receiver c2d")
	assert.Contains(t, out.String(), "Detached receiver c2d")
}

func TestExecUsage(t *testing.T) {
	s, _, out := newTestShell(t)
	ctx := context.Background()

	tests := []struct {
		line string
		want string
	}{
		{"sender onlyname", "Usage: sender"},
		{"receiver", "Usage: receiver"},
		{"detach link x", "Usage: detach"},
		{"send", "Usage: send"},
		{"send nobody hi", "No sender named nobody"},
		{"token aud", "Usage: token"},
		{"frobnicate", "Unknown command: frobnicate"},
	}

	for _, tt := range tests {
		assert.False(t, s.Exec(ctx, tt.line))
		assert.Contains(t, out.String(), tt.want, tt.line)
	}
	assert.False(t, s.Exec(ctx, "   "))
	assert.True(t, s.Exec(ctx, "quit"))
}

func TestExecSenderRequiresConnection(t *testing.T) {
	s, _, out := newTestShell(t)

	s.Exec(context.Background(), "sender telemetry /events")
	assert.Contains(t, out.String(), "Attach failed")
	assert.Contains(t, out.String(), "NOT_CONNECTED")
}

func TestConnectionLossForgetsLinks(t *testing.T) {
	s, e, out := newTestShell(t)
	ctx := context.Background()

	s.Exec(ctx, "connect")
	s.Exec(ctx, "sender telemetry /events")
	e.LastConn().Emit(engine.Event{Type: engine.ConnectionError, Err: io.EOF})

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "[LOST]") }, 2*time.Second, 5*time.Millisecond)
	s.Exec(ctx, "send telemetry hi")
	assert.Contains(t, out.String(), "No sender named telemetry")
}
