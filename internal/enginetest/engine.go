// Package enginetest provides a scriptable in-memory protocol engine.
//
// By default every endpoint opens as soon as it is requested. Tests that
// need to control the handshake set AutoOpen to false and emit events
// themselves through the Emit methods.
package enginetest

import (
	"errors"
	"sync"

	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/message"
)

// ErrClosed is returned by operations on closed fake endpoints.
var ErrClosed = errors.New("enginetest: closed")

// Engine is a fake engine.Engine.
type Engine struct {
	mu sync.Mutex

	// AutoOpen makes new connections, sessions and links report opened
	// immediately. Defaults to true.
	AutoOpen bool

	// DialErr, when set, is returned synchronously by Dial.
	DialErr error

	// DefaultCredit is the initial credit of new sender links.
	DefaultCredit int

	conns []*Conn
}

// New creates a fake engine with AutoOpen enabled.
func New() *Engine {
	return &Engine{AutoOpen: true, DefaultCredit: 100}
}

// Dial implements engine.Engine.
func (e *Engine) Dial(params *engine.TransportParams, h engine.Handler) (engine.Conn, error) {
	e.mu.Lock()
	if e.DialErr != nil {
		err := e.DialErr
		e.mu.Unlock()
		return nil, err
	}
	c := &Conn{engine: e, Params: params, h: h}
	e.conns = append(e.conns, c)
	auto := e.AutoOpen
	e.mu.Unlock()

	if auto {
		h(engine.Event{Type: engine.ConnectionOpened})
	}
	return c, nil
}

// Conns returns every connection dialed so far.
func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

// LastConn returns the most recent connection, or nil.
func (e *Engine) LastConn() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	return e.conns[len(e.conns)-1]
}

func (e *Engine) autoOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.AutoOpen
}

func (e *Engine) defaultCredit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.DefaultCredit
}

// Conn is a fake engine.Conn.
type Conn struct {
	engine *Engine
	Params *engine.TransportParams
	h      engine.Handler

	mu       sync.Mutex
	sessions []*Session
	closed   bool

	// SessionErr, when set, is returned synchronously by NewSession.
	SessionErr error
}

// Emit delivers an event to the connection handler.
func (c *Conn) Emit(ev engine.Event) { c.h(ev) }

// NewSession implements engine.Conn.
func (c *Conn) NewSession(h engine.Handler) (engine.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.SessionErr != nil {
		err := c.SessionErr
		c.mu.Unlock()
		return nil, err
	}
	s := &Session{conn: c, h: h}
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()

	if c.engine.autoOpen() {
		h(engine.Event{Type: engine.SessionOpened})
	}
	return s, nil
}

// Close implements engine.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastSession returns the most recent session, or nil.
func (c *Conn) LastSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

// Session is a fake engine.Session.
type Session struct {
	conn *Conn
	h    engine.Handler

	mu     sync.Mutex
	links  []*Link
	closed bool

	// OpenErr, when set, is returned synchronously by OpenSender/OpenReceiver.
	OpenErr error
}

// Emit delivers an event to the session handler.
func (s *Session) Emit(ev engine.Event) { s.h(ev) }

// OpenSender implements engine.Session.
func (s *Session) OpenSender(opts engine.LinkOptions, h engine.Handler) (engine.Link, error) {
	return s.open(opts, h, true)
}

// OpenReceiver implements engine.Session.
func (s *Session) OpenReceiver(opts engine.LinkOptions, h engine.Handler) (engine.Link, error) {
	return s.open(opts, h, false)
}

func (s *Session) open(opts engine.LinkOptions, h engine.Handler, sender bool) (engine.Link, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.OpenErr != nil {
		err := s.OpenErr
		s.mu.Unlock()
		return nil, err
	}
	l := &Link{Opts: opts, Sender: sender, h: h}
	if sender {
		l.credit = s.conn.engine.defaultCredit()
	}
	s.links = append(s.links, l)
	s.mu.Unlock()

	if s.conn.engine.autoOpen() {
		h(engine.Event{Type: engine.LinkOpened})
	}
	return l, nil
}

// Close implements engine.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Link returns the most recent link opened with name, or nil.
func (s *Session) Link(name string) *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.links) - 1; i >= 0; i-- {
		if s.links[i].Opts.Name == name {
			return s.links[i]
		}
	}
	return nil
}

// Links returns every link opened with name, oldest first.
func (s *Session) Links(name string) []*Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Link
	for _, l := range s.links {
		if l.Opts.Name == name {
			out = append(out, l)
		}
	}
	return out
}

// Sent is one transfer recorded by a fake sender link.
type Sent struct {
	ID      engine.DeliveryID
	Message *message.Message
}

// Link is a fake engine.Link.
type Link struct {
	Opts   engine.LinkOptions
	Sender bool
	h      engine.Handler

	mu      sync.Mutex
	credit  int
	nextID  engine.DeliveryID
	sent    []Sent
	closes  int
	aborted bool

	// SendErr, when set, is returned by Send.
	SendErr error

	// CloseErr is reported by Close. When HoldClose is set, Close keeps its
	// callback until CompleteClose is called.
	CloseErr  error
	HoldClose bool
	pending   func(error)
}

// Emit delivers an event to the link handler.
func (l *Link) Emit(ev engine.Event) { l.h(ev) }

// Open reports the link as attached.
func (l *Link) Open() { l.Emit(engine.Event{Type: engine.LinkOpened}) }

// Fail reports a link error.
func (l *Link) Fail(err error) { l.Emit(engine.Event{Type: engine.LinkError, Err: err}) }

// Credit implements engine.Link.
func (l *Link) Credit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit
}

// SetCredit replaces the credit without emitting an event.
func (l *Link) SetCredit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit = n
}

// Grant adds credit and reports the link as sendable.
func (l *Link) Grant(n int) {
	l.mu.Lock()
	l.credit += n
	l.mu.Unlock()
	l.Emit(engine.Event{Type: engine.LinkSendable})
}

// Send implements engine.Link.
func (l *Link) Send(msg *message.Message) (engine.DeliveryID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return 0, l.SendErr
	}
	if l.credit <= 0 {
		return 0, errors.New("enginetest: no credit")
	}
	l.credit--
	l.nextID++
	l.sent = append(l.sent, Sent{ID: l.nextID, Message: msg})
	return l.nextID, nil
}

// Sent returns the transfers sent so far.
func (l *Link) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.sent...)
}

// Accept reports a delivery as accepted by the peer.
func (l *Link) Accept(id engine.DeliveryID) {
	l.Emit(engine.Event{Type: engine.DeliveryAccepted, DeliveryID: id})
}

// Reject reports a delivery as rejected by the peer.
func (l *Link) Reject(id engine.DeliveryID, err error) {
	l.Emit(engine.Event{Type: engine.DeliveryRejected, DeliveryID: id, Err: err})
}

// Release reports a delivery as released by the peer.
func (l *Link) Release(id engine.DeliveryID) {
	l.Emit(engine.Event{Type: engine.DeliveryReleased, DeliveryID: id})
}

// Deliver reports an inbound message and returns its recording delivery.
func (l *Link) Deliver(msg *message.Message) *Delivery {
	d := &Delivery{}
	l.DeliverWith(msg, d)
	return d
}

// DeliverWith reports an inbound message with a caller-supplied delivery.
func (l *Link) DeliverWith(msg *message.Message, d engine.Delivery) {
	l.Emit(engine.Event{Type: engine.MessageReceived, Message: msg, Delivery: d})
}

// Close implements engine.Link.
func (l *Link) Close(done func(error)) {
	l.mu.Lock()
	l.closes++
	if l.HoldClose {
		l.pending = done
		l.mu.Unlock()
		return
	}
	err := l.CloseErr
	l.mu.Unlock()
	done(err)
}

// CompleteClose finishes a held Close with err.
func (l *Link) CompleteClose(err error) {
	l.mu.Lock()
	done := l.pending
	l.pending = nil
	l.mu.Unlock()
	if done != nil {
		done(err)
	}
}

// Closes returns how many times Close was called.
func (l *Link) Closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// Abort implements engine.Link.
func (l *Link) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aborted = true
}

// Aborted reports whether Abort was called.
func (l *Link) Aborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

// Delivery records settlement calls.
type Delivery struct {
	mu       sync.Mutex
	outcomes []string

	// Err is reported to every settlement callback.
	Err error
}

// Accept implements engine.Delivery.
func (d *Delivery) Accept(done func(error)) { d.settle("accept", done) }

// Reject implements engine.Delivery.
func (d *Delivery) Reject(_ error, done func(error)) { d.settle("reject", done) }

// Abandon implements engine.Delivery.
func (d *Delivery) Abandon(done func(error)) { d.settle("abandon", done) }

func (d *Delivery) settle(outcome string, done func(error)) {
	d.mu.Lock()
	d.outcomes = append(d.outcomes, outcome)
	err := d.Err
	d.mu.Unlock()
	done(err)
}

// Outcomes returns the settlements performed, in order.
func (d *Delivery) Outcomes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.outcomes...)
}

// Compile-time interface satisfaction checks.
var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Conn     = (*Conn)(nil)
	_ engine.Session  = (*Session)(nil)
	_ engine.Link     = (*Link)(nil)
	_ engine.Delivery = (*Delivery)(nil)
)
