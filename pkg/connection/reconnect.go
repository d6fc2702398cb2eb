package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/retry"
)

// ReconnectConfig configures a Reconnector.
type ReconnectConfig struct {
	// Policy decides which failures are retried and the delay between
	// attempts. Defaults to exponential backoff with jitter.
	Policy retry.Policy `yaml:"-"`

	// MaxTimeout bounds the time spent reconnecting after one outage.
	MaxTimeout time.Duration `yaml:"maxTimeout"`

	// Clock drives backoff timers. Defaults to the wall clock.
	Clock clock.Clock `yaml:"-"`

	// Logger for operational debug output. Nil disables logging.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultReconnectConfig returns the default reconnect configuration.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Policy:     retry.NewExponentialBackoffWithJitter(),
		MaxTimeout: retry.DefaultMaxTimeout,
	}
}

// Reconnector re-establishes a Connection after it is lost.
//
// Every unrequested disconnect starts one retry operation that calls
// Connect with the original parameters until it succeeds or the policy
// gives up. Links are not reattached; callers do that from OnReconnected.
type Reconnector struct {
	mu sync.Mutex

	conn   *Connection
	params *engine.TransportParams
	cfg    ReconnectConfig

	// Current retry operation, nil when idle.
	op      *retry.Operation[struct{}]
	lastErr error
	closed  bool

	// Callbacks
	onReconnecting func(attempt int, cause error)
	onReconnected  func()
	onGiveUp       func(err error)
}

// NewReconnector watches conn and reconnects it with params whenever it is
// lost.
func NewReconnector(conn *Connection, params *engine.TransportParams, cfg ReconnectConfig) *Reconnector {
	if cfg.Policy == nil {
		cfg.Policy = retry.NewExponentialBackoffWithJitter()
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = retry.DefaultMaxTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	r := &Reconnector{conn: conn, params: params, cfg: cfg}
	conn.OnDisconnected(r.connectionLost)
	return r
}

// OnReconnecting sets a callback invoked before each attempt with the
// attempt number and the failure that triggered it.
func (r *Reconnector) OnReconnecting(fn func(attempt int, cause error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReconnecting = fn
}

// OnReconnected sets a callback for a successful reconnect.
func (r *Reconnector) OnReconnected(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReconnected = fn
}

// OnGiveUp sets a callback invoked with the last error when the policy
// stops retrying.
func (r *Reconnector) OnGiveUp(fn func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGiveUp = fn
}

// Active reports whether a reconnect is in progress.
func (r *Reconnector) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.op != nil
}

// Attempts returns the attempts made by the current reconnect, or zero.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	op := r.op
	r.mu.Unlock()
	if op == nil {
		return 0
	}
	return op.Attempts()
}

// Close stops reconnecting. A reconnect in flight is cancelled; the
// connection itself is left as it is.
func (r *Reconnector) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	op := r.op
	r.op = nil
	r.mu.Unlock()

	if op != nil {
		op.Cancel()
	}
}

// connectionLost runs on the connection loop.
func (r *Reconnector) connectionLost(cause error) {
	r.mu.Lock()
	if r.closed || r.op != nil {
		r.mu.Unlock()
		return
	}
	op := retry.NewOperation[struct{}](r.cfg.Policy, r.cfg.MaxTimeout,
		retry.WithClock(r.cfg.Clock),
		retry.WithLogger(r.cfg.Logger),
		retry.WithName("reconnect"))
	r.op = op
	r.lastErr = cause
	r.mu.Unlock()

	r.debugLog("connection lost, reconnecting", "error", cause)
	op.Retry(func(done func(struct{}, error)) {
		r.attempt(op, done)
	}, func(_ struct{}, err error) {
		r.finished(op, err)
	})
}

func (r *Reconnector) attempt(op *retry.Operation[struct{}], done func(struct{}, error)) {
	r.mu.Lock()
	if r.closed || r.op != op {
		r.mu.Unlock()
		done(struct{}{}, errs.New(errs.OperationCancelled, "reconnector closed"))
		return
	}
	cause := r.lastErr
	notify := r.onReconnecting
	r.mu.Unlock()

	if notify != nil {
		notify(op.Attempts(), cause)
	}
	r.conn.Connect(r.params, func(err error) {
		if err != nil {
			r.mu.Lock()
			r.lastErr = err
			r.mu.Unlock()
		}
		done(struct{}{}, err)
	})
}

func (r *Reconnector) finished(op *retry.Operation[struct{}], err error) {
	r.mu.Lock()
	if r.op != op {
		r.mu.Unlock()
		return
	}
	r.op = nil
	closed := r.closed
	onReconnected := r.onReconnected
	onGiveUp := r.onGiveUp
	r.mu.Unlock()

	if closed {
		return
	}
	if err != nil {
		r.debugLog("reconnect gave up", "attempts", op.Attempts(), "error", err)
		if onGiveUp != nil {
			onGiveUp(err)
		}
		return
	}
	r.debugLog("reconnected", "attempts", op.Attempts())
	if onReconnected != nil {
		onReconnected()
	}
}

// debugLog logs a debug message if a logger is configured.
func (r *Reconnector) debugLog(msg string, args ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug(msg, args...)
	}
}
