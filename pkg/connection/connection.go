package connection

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/devicelink/devicelink-go/pkg/cbs"
	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/engine/goamqp"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/link"
	"github.com/devicelink/devicelink-go/pkg/log"
	"github.com/devicelink/devicelink-go/pkg/loop"
)

// ErrClosed is returned by a Connection after Close.
var ErrClosed = errors.New("connection closed")

// DefaultDetachTimeout bounds how long Disconnect waits for links to detach
// cooperatively before discarding them.
const DefaultDetachTimeout = 30 * time.Second

// DefaultAttachTimeout bounds how long a link attach may stay unanswered.
const DefaultAttachTimeout = 60 * time.Second

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no engine connection exists.
	StateDisconnected State = iota

	// StateConnecting indicates the engine connection is being opened.
	StateConnecting

	// StateConnectingSession indicates the connection is open and the
	// session is being opened.
	StateConnectingSession

	// StateConnected indicates links can be attached.
	StateConnected

	// StateDisconnecting indicates links, session and connection are being
	// torn down.
	StateDisconnecting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnectingSession:
		return "CONNECTING_SESSION"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Connection.
type Config struct {
	// Engine opens the network connection. Defaults to the go-amqp engine.
	Engine engine.Engine

	// Loop is the scheduling context shared with links and CBS. When nil the
	// connection creates and owns one.
	Loop *loop.Loop

	// Clock drives the owned loop's timers. Ignored when Loop is set.
	Clock clock.Clock

	// SenderDefaults and ReceiverDefaults are merged under the options
	// passed to AttachSenderLink and AttachReceiverLink.
	SenderDefaults   engine.LinkOptions
	ReceiverDefaults engine.LinkOptions

	// CBS configures the put-token agent.
	CBS cbs.Config

	// DetachTimeout bounds cooperative link detach during Disconnect.
	DetachTimeout time.Duration

	// AttachTimeout bounds each sender and receiver link attach.
	AttachTimeout time.Duration

	// Logger for operational debug output. Nil disables logging.
	Logger *slog.Logger

	// ProtocolLogger receives protocol events. Nil disables capture.
	ProtocolLogger log.Logger
}

// DefaultConfig returns a configuration with the default CBS settings and
// detach timeout.
func DefaultConfig() Config {
	return Config{
		CBS:           cbs.DefaultConfig(),
		DetachTimeout: DefaultDetachTimeout,
		AttachTimeout: DefaultAttachTimeout,
	}
}

// Connection is the logical connection to the service: one engine
// connection, at most one session, the links attached over it and the CBS
// agent.
//
// All methods may be called from any goroutine. Completion callbacks and
// notifications run on the connection's loop and must not block.
type Connection struct {
	lp       *loop.Loop
	ownsLoop bool
	cfg      Config
	emitter  *log.Emitter

	// mu guards the fields readable off the loop.
	mu             sync.Mutex
	mirror         State
	lastErr        error
	closed         bool
	onDisconnected []func(error)
	onStateChange  []func(old, new State)

	// Loop-owned state.
	state     State
	params    *engine.TransportParams
	conn      engine.Conn
	session   engine.Session
	gen       uint64
	senders   map[string]*link.Sender
	receivers map[string]*link.Receiver
	agent     *cbs.Agent

	connectWaiters    []func(error)
	disconnectWaiters []func(error)
	deferred          []func()
	detachTimer       *loop.Timer
}

// New creates a disconnected Connection.
func New(cfg Config) *Connection {
	if cfg.Engine == nil {
		cfg.Engine = goamqp.New(goamqp.Config{Logger: cfg.Logger})
	}
	if cfg.DetachTimeout <= 0 {
		cfg.DetachTimeout = DefaultDetachTimeout
	}
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = DefaultAttachTimeout
	}
	c := &Connection{
		cfg:       cfg,
		lp:        cfg.Loop,
		senders:   make(map[string]*link.Sender),
		receivers: make(map[string]*link.Receiver),
	}
	if c.lp == nil {
		opts := []loop.Option{loop.WithLogger(cfg.Logger)}
		if cfg.Clock != nil {
			opts = append(opts, loop.WithClock(cfg.Clock))
		}
		c.lp = loop.New(opts...)
		c.ownsLoop = true
	}
	c.emitter = &log.Emitter{Logger: cfg.ProtocolLogger, Now: c.lp.Clock().Now}
	c.cfg.CBS.Logger = cfg.Logger
	c.cfg.CBS.Protocol = c.emitter
	return c
}

// Loop returns the loop the connection runs on.
func (c *Connection) Loop() *loop.Loop { return c.lp }

// State returns the current state. Safe to call from any goroutine.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror
}

// IsConnected returns true if currently connected.
func (c *Connection) IsConnected() bool { return c.State() == StateConnected }

// LastError returns the cause of the most recent connection loss.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnDisconnected registers fn to be called with the cause whenever the
// connection is lost without Disconnect being called.
func (c *Connection) OnDisconnected(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = append(c.onDisconnected, fn)
}

// OnStateChange registers fn to be called after every state change.
func (c *Connection) OnStateChange(fn func(oldState, newState State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = append(c.onStateChange, fn)
}

// Connect opens the engine connection and then the session. done is called
// with nil once connected. A connected Connection completes immediately;
// calls made while a transition is in flight are replayed after it settles.
func (c *Connection) Connect(params *engine.TransportParams, done func(error)) {
	if params == nil || params.Host == "" {
		c.complete(done, errs.New(errs.Argument, "transport parameters need a host"))
		return
	}
	c.inject(done, func() { c.connect(params, done) })
}

// Disconnect detaches every link, closes the session and the connection.
// done is called with nil once disconnected, whatever the individual detach
// outcomes were.
func (c *Connection) Disconnect(done func(error)) {
	c.inject(done, func() { c.disconnect(done) })
}

// AttachSenderLink returns the sender link named name, creating and
// attaching it on first use. opts are merged over Config.SenderDefaults.
func (c *Connection) AttachSenderLink(name string, opts engine.LinkOptions, done func(*link.Sender, error)) {
	if done == nil {
		done = func(*link.Sender, error) {}
	}
	c.injectLink(name, func(err error) { done(nil, err) }, func() {
		attachLink(c.senders, name, func() *link.Sender {
			var s *link.Sender
			table := c.senders
			s = link.NewSender(c.lp, c.session, c.linkConfig(name, opts.Merge(c.cfg.SenderDefaults), func() {
				untrack(table, name, s)
			}))
			return s
		}, done)
	})
}

// AttachReceiverLink returns the receiver link named name, creating and
// attaching it on first use. opts are merged over Config.ReceiverDefaults.
func (c *Connection) AttachReceiverLink(name string, opts engine.LinkOptions, done func(*link.Receiver, error)) {
	if done == nil {
		done = func(*link.Receiver, error) {}
	}
	c.injectLink(name, func(err error) { done(nil, err) }, func() {
		attachLink(c.receivers, name, func() *link.Receiver {
			var r *link.Receiver
			table := c.receivers
			r = link.NewReceiver(c.lp, c.session, c.linkConfig(name, opts.Merge(c.cfg.ReceiverDefaults), func() {
				untrack(table, name, r)
			}))
			return r
		}, done)
	})
}

// DetachSenderLink detaches and forgets the sender link named name.
// Detaching an unknown link completes with nil.
func (c *Connection) DetachSenderLink(name string, done func(error)) {
	c.inject(done, func() { detachLink(c, c.senders, name, done) })
}

// DetachReceiverLink detaches and forgets the receiver link named name.
func (c *Connection) DetachReceiverLink(name string, done func(error)) {
	c.inject(done, func() { detachLink(c, c.receivers, name, done) })
}

// PutToken authorizes audience with token through the CBS agent, attaching
// it on first use.
func (c *Connection) PutToken(audience, token string, done func(error)) {
	c.inject(done, func() {
		if c.state != StateConnected {
			c.complete(done, errs.New(errs.NotConnected, "put-token requires a connection"))
			return
		}
		if c.agent == nil {
			c.agent = cbs.New(c.lp, c.session, c.cfg.CBS)
		}
		c.agent.PutToken(audience, token, done)
	})
}

// Close disconnects and, if the connection owns its loop, stops it. It
// blocks and must not be called from a completion callback.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	errCh := make(chan error, 1)
	c.Disconnect(func(err error) { errCh <- err })
	err := <-errCh
	if c.ownsLoop {
		c.lp.Close()
	}
	return err
}

func (c *Connection) inject(done func(error), f func()) {
	if err := c.lp.Inject(f); err != nil && done != nil {
		go done(ErrClosed)
	}
}

// injectLink runs f on the loop if the connection is connected, otherwise
// fails with NotConnected.
func (c *Connection) injectLink(name string, fail func(error), f func()) {
	if name == "" {
		c.complete(fail, errs.New(errs.Argument, "link name is empty"))
		return
	}
	c.inject(fail, func() {
		if c.state != StateConnected {
			c.complete(fail, errs.Newf(errs.NotConnected, "cannot attach link %s: connection is %s", name, c.state))
			return
		}
		f()
	})
}

func (c *Connection) complete(done func(error), err error) {
	if done == nil {
		return
	}
	if injErr := c.lp.Inject(func() { done(err) }); injErr != nil {
		go done(err)
	}
}

func (c *Connection) connect(params *engine.TransportParams, done func(error)) {
	switch c.state {
	case StateConnected:
		c.complete(done, nil)
		return
	case StateConnecting, StateConnectingSession, StateDisconnecting:
		c.deferUntilSettled(func() { c.connect(params, done) })
		return
	}

	p := *params
	if p.ContainerID == "" {
		p.ContainerID = uuid.NewString()
	}
	c.params = &p
	c.emitter.ConnectionID = p.ContainerID
	c.emitter.Host = p.Host

	c.gen++
	c.connectWaiters = append(c.connectWaiters, done)
	c.setState(StateConnecting, nil)

	conn, err := c.cfg.Engine.Dial(c.params, c.handler(c.gen))
	if err != nil {
		c.connectFailed(errs.Translate(err))
		return
	}
	c.conn = conn
}

// handler returns the engine handler for connection generation gen.
func (c *Connection) handler(gen uint64) engine.Handler {
	return func(ev engine.Event) {
		_ = c.lp.Inject(func() {
			if c.gen != gen {
				return
			}
			c.onEvent(ev)
		})
	}
}

func (c *Connection) onEvent(ev engine.Event) {
	switch ev.Type {
	case engine.ConnectionOpened:
		if c.state != StateConnecting {
			return
		}
		c.setState(StateConnectingSession, nil)
		session, err := c.conn.NewSession(c.handler(c.gen))
		if err != nil {
			c.connectFailed(errs.Translate(err))
			return
		}
		c.session = session

	case engine.SessionOpened:
		if c.state != StateConnectingSession {
			return
		}
		c.setState(StateConnected, nil)
		waiters := c.connectWaiters
		c.connectWaiters = nil
		for _, done := range waiters {
			c.complete(done, nil)
		}
		c.replay()

	case engine.ConnectionError, engine.ConnectionClosed, engine.SessionError, engine.SessionClosed:
		cause := errs.Translate(ev.Err)
		if cause == nil {
			cause = errs.New(errs.NotConnected, ev.Type.String())
		}
		c.emitter.Error(log.LayerConnection, "", cause, ev.Type.String())
		switch c.state {
		case StateConnecting, StateConnectingSession:
			c.connectFailed(cause)
		case StateConnected, StateDisconnecting:
			c.connectionLost(cause)
		}
	}
}

// connectFailed returns to disconnected after a failed connect.
func (c *Connection) connectFailed(cause error) {
	c.debugLog("connect failed", "error", cause)
	c.dropTransport()
	c.setState(StateDisconnected, cause)

	waiters := c.connectWaiters
	c.connectWaiters = nil
	for _, done := range waiters {
		c.complete(done, cause)
	}
	c.replay()
}

// connectionLost tears everything down after a connection-level failure.
func (c *Connection) connectionLost(cause error) {
	c.debugLog("connection lost", "error", cause)
	requested := c.state == StateDisconnecting
	c.setState(StateDisconnecting, cause)
	c.forceDetachAll(cause)
	c.dropTransport()
	c.finishDisconnect(cause)

	c.mu.Lock()
	c.lastErr = cause
	handlers := slices.Clone(c.onDisconnected)
	c.mu.Unlock()
	if requested {
		return
	}
	for _, fn := range handlers {
		fn(cause)
	}
}

func (c *Connection) disconnect(done func(error)) {
	switch c.state {
	case StateDisconnected:
		c.complete(done, nil)
		return
	case StateConnecting, StateConnectingSession:
		c.deferUntilSettled(func() { c.disconnect(done) })
		return
	case StateDisconnecting:
		c.disconnectWaiters = append(c.disconnectWaiters, done)
		return
	}

	c.disconnectWaiters = append(c.disconnectWaiters, done)
	c.setState(StateDisconnecting, nil)

	if c.agent != nil {
		c.agent.ForceDetach(errs.New(errs.LinkDetached, "connection disconnecting"))
		c.agent = nil
	}

	gen := c.gen
	var failures error
	pending := len(c.senders) + len(c.receivers)
	finish := func() {
		if c.gen != gen {
			return
		}
		c.detachTimer.Stop()
		c.detachTimer = nil
		if failures != nil {
			c.debugLog("link detach failures during disconnect", "error", failures)
		}
		failures = multierr.Append(failures, c.dropTransport())
		c.emitter.Error(log.LayerConnection, "", failures, "disconnect")
		c.finishDisconnect(nil)
	}
	if pending == 0 {
		finish()
		return
	}

	detached := func(name string) func(error) {
		return func(err error) {
			if c.gen != gen {
				return
			}
			if err != nil {
				failures = multierr.Append(failures, errs.Wrap(errs.KindOf(err), err, "detach "+name))
			}
			pending--
			if pending == 0 {
				finish()
			}
		}
	}
	for name, l := range c.senders {
		l.Detach(detached(name))
	}
	for name, l := range c.receivers {
		l.Detach(detached(name))
	}

	c.detachTimer = c.lp.AfterFunc(c.cfg.DetachTimeout, func() {
		if c.gen != gen {
			return
		}
		c.detachTimer = nil
		timeout := errs.Newf(errs.Timeout, "links did not detach within %s", c.cfg.DetachTimeout)
		failures = multierr.Append(failures, timeout)
		c.forceDetachAll(timeout)
		pending = 0
		finish()
	})
}

// finishDisconnect settles in disconnected. Link detach callbacks still in
// flight are ignored from here on.
func (c *Connection) finishDisconnect(cause error) {
	c.gen++
	c.detachTimer.Stop()
	c.detachTimer = nil
	c.senders = make(map[string]*link.Sender)
	c.receivers = make(map[string]*link.Receiver)
	c.agent = nil
	c.setState(StateDisconnected, cause)

	waiters := c.disconnectWaiters
	c.disconnectWaiters = nil
	for _, done := range waiters {
		c.complete(done, nil)
	}
	c.replay()
}

func (c *Connection) forceDetachAll(cause error) {
	if c.agent != nil {
		c.agent.ForceDetach(cause)
	}
	for _, l := range c.senders {
		l.ForceDetach(cause)
	}
	for _, l := range c.receivers {
		l.ForceDetach(cause)
	}
}

// dropTransport closes and forgets the session and connection.
func (c *Connection) dropTransport() error {
	var err error
	if c.session != nil {
		err = multierr.Append(err, c.session.Close())
		c.session = nil
	}
	if c.conn != nil {
		err = multierr.Append(err, c.conn.Close())
		c.conn = nil
	}
	c.gen++
	return err
}

// linkConfig builds the configuration of a tracked link. forget runs when
// the link fails after attaching.
func (c *Connection) linkConfig(name string, opts engine.LinkOptions, forget func()) link.Config {
	opts.Name = name
	return link.Config{
		Options: opts,
		OnError: func(err error) {
			c.debugLog("link failed", "link", name, "error", err)
			forget()
		},
		AttachTimeout: c.cfg.AttachTimeout,
		Logger:        c.cfg.Logger,
		Protocol:      c.emitter,
	}
}

// tracked is the part of Sender and Receiver the connection drives.
type tracked interface {
	comparable
	Attach(done func(error))
	Detach(done func(error))
	ForceDetach(err error)
}

// attachLink attaches the link tracked under name, creating it first if
// needed. A link whose attach fails is no longer tracked.
func attachLink[L tracked](table map[string]L, name string, create func() L, done func(L, error)) {
	l, ok := table[name]
	if !ok {
		l = create()
		table[name] = l
	}
	l.Attach(func(err error) {
		if err != nil {
			untrack(table, name, l)
			var zero L
			done(zero, err)
			return
		}
		done(l, nil)
	})
}

// detachLink stops tracking name and detaches the link.
func detachLink[L tracked](c *Connection, table map[string]L, name string, done func(error)) {
	l, ok := table[name]
	if !ok {
		c.complete(done, nil)
		return
	}
	delete(table, name)
	l.Detach(done)
}

// untrack removes l from table unless name was already reused.
func untrack[L tracked](table map[string]L, name string, l L) {
	if cur, ok := table[name]; ok && cur == l {
		delete(table, name)
	}
}

// deferUntilSettled queues f until the current transition settles.
func (c *Connection) deferUntilSettled(f func()) {
	c.deferred = append(c.deferred, f)
}

// replay runs deferred requests in order, re-deferring the rest as soon as
// one of them starts a new transition.
func (c *Connection) replay() {
	if len(c.deferred) == 0 {
		return
	}
	queued := c.deferred
	c.deferred = nil
	for i, f := range queued {
		if c.inFlight() {
			c.deferred = append(c.deferred, queued[i:]...)
			return
		}
		f()
	}
}

func (c *Connection) inFlight() bool {
	switch c.state {
	case StateConnecting, StateConnectingSession, StateDisconnecting:
		return true
	}
	return false
}

func (c *Connection) setState(s State, reason error) {
	old := c.state
	if old == s {
		return
	}
	c.state = s
	c.mu.Lock()
	c.mirror = s
	handlers := slices.Clone(c.onStateChange)
	c.mu.Unlock()

	c.debugLog("connection state change", "old", old, "new", s)
	c.emitter.State(log.LayerConnection, log.StateEntityConnection, "", old.String(), s.String(), reason)
	for _, fn := range handlers {
		fn(old, s)
	}
}

// debugLog logs a debug message if a logger is configured.
func (c *Connection) debugLog(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, args...)
	}
}
