package devicelink_test

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelink/devicelink-go/internal/enginetest"
	"github.com/devicelink/devicelink-go/pkg/cbs"
	"github.com/devicelink/devicelink-go/pkg/config"
	"github.com/devicelink/devicelink-go/pkg/connection"
	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/link"
	"github.com/devicelink/devicelink-go/pkg/log"
	"github.com/devicelink/devicelink-go/pkg/loop"
	"github.com/devicelink/devicelink-go/pkg/message"
)

const integrationConfig = `
transport:
  host: hub.example.net
  tls:
    enabled: false
links:
  receiver:
    credit: 10
reconnect:
  enabled: true
  maxTimeout: 1m
`

type device struct {
	cfg    *config.Config
	engine *enginetest.Engine
	conn   *connection.Connection
	params *engine.TransportParams
	closer io.Closer
}

func newDevice(t *testing.T) *device {
	t.Helper()
	cfg, err := config.Parse([]byte(integrationConfig))
	require.NoError(t, err)
	cfg.Log.ProtocolFile = filepath.Join(t.TempDir(), "conn.dlog")

	protocol, closer, err := cfg.OpenProtocolLogger(nil)
	require.NoError(t, err)

	params, err := cfg.TransportParams()
	require.NoError(t, err)

	e := enginetest.New()
	cc := cfg.ConnectionConfig(nil, protocol)
	cc.Engine = e
	conn := connection.New(cc)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = closer.Close()
	})

	return &device{cfg: cfg, engine: e, conn: conn, params: params, closer: closer}
}

func await(t *testing.T, start func(done func(error))) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return loop.AwaitErr(ctx, start)
}

func attach[L any](t *testing.T, start func(done func(L, error))) L {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := loop.Await(ctx, start)
	require.NoError(t, err)
	return l
}

func (d *device) session() *enginetest.Session {
	return d.engine.LastConn().LastSession()
}

// answerToken replies to the newest put-token request with status.
func (d *device) answerToken(t *testing.T, status int32) {
	t.Helper()
	s := d.session()
	var sender *enginetest.Link
	require.Eventually(t, func() bool {
		sender = s.Link(cbs.DefaultSenderName)
		return sender != nil && len(sender.Sent()) > 0
	}, 5*time.Second, 5*time.Millisecond)

	sent := sender.Sent()
	req := sent[len(sent)-1].Message
	s.Link(cbs.DefaultReceiverName).Deliver(&message.Message{
		CorrelationID: req.MessageID,
		Properties:    map[string]any{cbs.PropStatusCode: status},
	})
}

func TestDeviceSession(t *testing.T) {
	d := newDevice(t)

	require.NoError(t, await(t, func(done func(error)) { d.conn.Connect(d.params, done) }))
	assert.Equal(t, connection.StateConnected, d.conn.State())
	assert.Equal(t, engine.SASLAnonymous, d.engine.LastConn().Params.SASL)

	// Authenticate.
	tokenDone := make(chan error, 1)
	d.conn.PutToken("hub.example.net/devices/d1", "SharedAccessSignature sr=d1", func(err error) { tokenDone <- err })
	d.answerToken(t, 200)
	require.NoError(t, <-tokenDone)

	// Telemetry.
	telemetry := attach(t, func(done func(*link.Sender, error)) {
		d.conn.AttachSenderLink("telemetry", engine.LinkOptions{Address: "/devices/d1/messages/events"}, done)
	})
	sendDone := make(chan error, 1)
	msg := message.New([]byte(`{"temp":21.5}`))
	msg.MessageID = "m-1"
	telemetry.Send(msg, func(err error) { sendDone <- err })

	tl := d.session().Link("telemetry")
	require.NotNil(t, tl)
	require.Eventually(t, func() bool { return len(tl.Sent()) == 1 }, 5*time.Second, 5*time.Millisecond)
	tl.Accept(tl.Sent()[0].ID)
	require.NoError(t, <-sendDone)

	// Cloud-to-device.
	c2d := attach(t, func(done func(*link.Receiver, error)) {
		d.conn.AttachReceiverLink("c2d", engine.LinkOptions{Address: "/devices/d1/messages/devicebound"}, done)
	})
	rl := d.session().Link("c2d")
	require.NotNil(t, rl)
	assert.Equal(t, 10, rl.Opts.Credit, "receiver defaults come from the config")

	inbox := make(chan *message.Message, 1)
	c2d.OnMessage(func(m *message.Message) { inbox <- m })
	delivery := rl.Deliver(&message.Message{MessageID: "c-1", Body: []byte("reboot")})
	var got *message.Message
	select {
	case got = <-inbox:
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
	require.NoError(t, await(t, func(done func(error)) { c2d.Accept(got, done) }))
	assert.Equal(t, []string{"accept"}, delivery.Outcomes())

	require.NoError(t, await(t, d.conn.Disconnect))
	assert.Equal(t, connection.StateDisconnected, d.conn.State())
	assert.True(t, d.engine.LastConn().Closed())

	// The capture holds every layer.
	require.NoError(t, d.closer.Close())
	categories := map[log.Category]int{}
	layers := map[log.Layer]int{}
	r, err := log.NewReader(d.cfg.Log.ProtocolFile)
	require.NoError(t, err)
	defer r.Close()
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		categories[ev.Category]++
		layers[ev.Layer]++
	}
	for _, c := range []log.Category{log.CategoryState, log.CategoryMessage, log.CategorySettlement, log.CategoryToken} {
		assert.NotZero(t, categories[c], "category %s", c)
	}
	for _, l := range []log.Layer{log.LayerConnection, log.LayerLink, log.LayerCBS} {
		assert.NotZero(t, layers[l], "layer %s", l)
	}
}

func TestDeviceReconnects(t *testing.T) {
	d := newDevice(t)

	r := connection.NewReconnector(d.conn, d.params, d.cfg.ReconnectConfig(nil))
	defer r.Close()

	var mu sync.Mutex
	var causes []error
	reconnected := make(chan struct{}, 1)
	r.OnReconnecting(func(_ int, cause error) {
		mu.Lock()
		causes = append(causes, cause)
		mu.Unlock()
	})
	r.OnReconnected(func() { reconnected <- struct{}{} })

	require.NoError(t, await(t, func(done func(error)) { d.conn.Connect(d.params, done) }))
	telemetry := attach(t, func(done func(*link.Sender, error)) {
		d.conn.AttachSenderLink("telemetry", engine.LinkOptions{Address: "/events"}, done)
	})

	// A send in flight fails with the loss, then the connection comes back.
	sendDone := make(chan error, 1)
	telemetry.Send(message.New([]byte("x")), func(err error) { sendDone <- err })
	tl := d.session().Link("telemetry")
	require.Eventually(t, func() bool { return len(tl.Sent()) == 1 }, 5*time.Second, 5*time.Millisecond)

	d.engine.LastConn().Emit(engine.Event{Type: engine.ConnectionError, Err: io.ErrUnexpectedEOF})

	sendErr := <-sendDone
	assert.True(t, errs.IsKind(sendErr, errs.NotConnected), "got %v", sendErr)

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("did not reconnect")
	}
	assert.Equal(t, connection.StateConnected, d.conn.State())
	assert.Len(t, d.engine.Conns(), 2)

	mu.Lock()
	require.Len(t, causes, 1)
	assert.Same(t, sendErr, causes[0], "the reconnect reports the loss that failed the send")
	mu.Unlock()

	// Links are reattached by the caller.
	attach(t, func(done func(*link.Sender, error)) {
		d.conn.AttachSenderLink("telemetry", engine.LinkOptions{Address: "/events"}, done)
	})
	assert.NotNil(t, d.session().Link("telemetry"))
}
