package goamqp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"

	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
)

// Engine defaults.
const (
	// DefaultOpTimeout bounds attach, transfer, settlement and detach calls.
	DefaultOpTimeout = 30 * time.Second

	// DefaultDialTimeout bounds the connection handshake when the transport
	// parameters do not set one.
	DefaultDialTimeout = 60 * time.Second

	// DefaultMaxInFlight is the transfer window of a sender link.
	DefaultMaxInFlight = 100

	// DefaultReceiverCredit is the credit window of a receiver link whose
	// options leave it unset.
	DefaultReceiverCredit = 100
)

// Config configures the engine.
type Config struct {
	// OpTimeout bounds every blocking go-amqp call after the dial.
	OpTimeout time.Duration

	// MaxInFlight is the number of unsettled transfers a sender link allows.
	MaxInFlight int

	// Logger for operational debug output. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		OpTimeout:   DefaultOpTimeout,
		MaxInFlight: DefaultMaxInFlight,
	}
}

// Engine dials AMQP connections with go-amqp.
type Engine struct {
	cfg Config
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine. Zero fields of cfg take their defaults.
func New(cfg Config) *Engine {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Engine{cfg: cfg}
}

// URL returns the AMQP URL for params: amqps when TLS is configured.
func URL(params *engine.TransportParams) string {
	scheme := "amqp"
	if params.TLS != nil {
		scheme = "amqps"
	}
	return scheme + "://" + params.Address()
}

// Dial implements engine.Engine. The handshake runs in the background.
func (e *Engine) Dial(params *engine.TransportParams, h engine.Handler) (engine.Conn, error) {
	if params == nil || params.Host == "" {
		return nil, errs.New(errs.Argument, "transport parameters need a host")
	}
	opts, err := connOptions(params)
	if err != nil {
		return nil, err
	}
	timeout := params.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{engine: e, h: h, ctx: ctx, cancel: cancel}
	e.debugLog("dialing", "url", URL(params), "sasl", params.SASL)
	go c.dial(URL(params), opts, timeout)
	return c, nil
}

func connOptions(p *engine.TransportParams) (*amqp.ConnOptions, error) {
	opts := &amqp.ConnOptions{
		ContainerID: p.ContainerID,
		HostName:    p.Host,
		IdleTimeout: p.IdleTimeout,
		Properties:  p.Properties,
		TLSConfig:   p.TLS,
	}
	switch p.SASL {
	case "", engine.SASLAnonymous:
		opts.SASLType = amqp.SASLTypeAnonymous()
	case engine.SASLPlain:
		opts.SASLType = amqp.SASLTypePlain(p.Username, p.Password)
	case engine.SASLExternal:
		if p.TLS == nil {
			return nil, errs.New(errs.Argument, "SASL EXTERNAL requires TLS")
		}
		opts.SASLType = amqp.SASLTypeExternal("")
	default:
		return nil, errs.Newf(errs.Argument, "unsupported SASL mechanism %q", p.SASL)
	}
	return opts, nil
}

func (e *Engine) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, e.cfg.OpTimeout)
}

func (e *Engine) debugLog(msg string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Debug(msg, args...)
	}
}

// conn is an engine.Conn over *amqp.Conn.
type conn struct {
	engine *Engine
	h      engine.Handler
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	amqp   *amqp.Conn
	closed bool
	failed bool
}

func (c *conn) dial(addr string, opts *amqp.ConnOptions, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	ac, err := amqp.Dial(ctx, addr, opts)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if ac != nil {
			go c.closeQuietly(ac)
		}
		return
	}
	if err != nil {
		c.failed = true
		c.mu.Unlock()
		c.engine.debugLog("dial failed", "url", addr, "error", err)
		c.h(engine.Event{Type: engine.ConnectionError, Err: convertErr(err)})
		return
	}
	c.amqp = ac
	c.mu.Unlock()
	c.h(engine.Event{Type: engine.ConnectionOpened})
}

// NewSession implements engine.Conn.
func (c *conn) NewSession(h engine.Handler) (engine.Session, error) {
	c.mu.Lock()
	ac := c.amqp
	open := !c.closed && !c.failed && ac != nil
	c.mu.Unlock()
	if !open {
		return nil, errs.New(errs.NotConnected, "connection is not open")
	}

	s := &session{conn: c, h: h}
	go s.begin(ac)
	return s, nil
}

// Close implements engine.Conn. The close handshake runs in the background.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ac := c.amqp
	c.amqp = nil
	c.mu.Unlock()

	c.cancel()
	if ac != nil {
		go c.closeQuietly(ac)
	}
	return nil
}

func (c *conn) closeQuietly(ac *amqp.Conn) {
	if err := ac.Close(); err != nil {
		c.engine.debugLog("connection close", "error", err)
	}
}

// check reports err as a connection failure, once, if go-amqp says the
// connection is gone.
func (c *conn) check(err error) {
	var connErr *amqp.ConnError
	if !errors.As(err, &connErr) {
		return
	}
	c.mu.Lock()
	if c.closed || c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.mu.Unlock()
	c.h(engine.Event{Type: engine.ConnectionError, Err: convertErr(err)})
}

// session is an engine.Session over *amqp.Session.
type session struct {
	conn *conn
	h    engine.Handler

	mu     sync.Mutex
	amqp   *amqp.Session
	closed bool
}

func (s *session) begin(ac *amqp.Conn) {
	ctx, cancel := s.conn.engine.opContext(s.conn.ctx)
	defer cancel()
	as, err := ac.NewSession(ctx, nil)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if as != nil {
			go s.closeQuietly(as)
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.conn.check(err)
		s.h(engine.Event{Type: engine.SessionError, Err: convertErr(err)})
		return
	}
	s.amqp = as
	s.mu.Unlock()
	s.h(engine.Event{Type: engine.SessionOpened})
}

func (s *session) current() (*amqp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.amqp == nil {
		return nil, errs.New(errs.NotConnected, "session is not open")
	}
	return s.amqp, nil
}

// OpenSender implements engine.Session.
func (s *session) OpenSender(opts engine.LinkOptions, h engine.Handler) (engine.Link, error) {
	as, err := s.current()
	if err != nil {
		return nil, err
	}
	l := &senderLink{link: newLink(s, opts, h), maxInFlight: s.conn.engine.cfg.MaxInFlight}
	go l.attach(as)
	return l, nil
}

// OpenReceiver implements engine.Session.
func (s *session) OpenReceiver(opts engine.LinkOptions, h engine.Handler) (engine.Link, error) {
	as, err := s.current()
	if err != nil {
		return nil, err
	}
	l := &receiverLink{link: newLink(s, opts, h)}
	go l.attach(as)
	return l, nil
}

// Close implements engine.Session.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	as := s.amqp
	s.amqp = nil
	s.mu.Unlock()

	if as != nil {
		go s.closeQuietly(as)
	}
	return nil
}

func (s *session) closeQuietly(as *amqp.Session) {
	ctx, cancel := s.conn.engine.opContext(context.Background())
	defer cancel()
	if err := as.Close(ctx); err != nil {
		s.conn.engine.debugLog("session close", "error", err)
	}
}
