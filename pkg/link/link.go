package link

import (
	"log/slog"
	"time"

	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/log"
	"github.com/devicelink/devicelink-go/pkg/loop"
)

// State represents the attach state of a link.
type State uint8

const (
	// StateDetached means no engine link exists.
	StateDetached State = iota
	// StateAttaching means the engine link was opened and the peer has not
	// answered yet.
	StateAttaching
	// StateAttached means the link is usable.
	StateAttached
	// StateDetaching means a cooperative close is in progress.
	StateDetaching
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDetached:
		return "DETACHED"
	case StateAttaching:
		return "ATTACHING"
	case StateAttached:
		return "ATTACHED"
	case StateDetaching:
		return "DETACHING"
	default:
		return "UNKNOWN"
	}
}

// Config configures a link.
type Config struct {
	// Options are the engine link options. Name must be set.
	Options engine.LinkOptions

	// OnError is called on the loop when an attached link fails or is
	// detached by the peer. The link is already DETACHED when it runs.
	OnError func(err error)

	// OnStateChange is called on the loop after every state change.
	OnStateChange func(old, new State)

	// AttachTimeout bounds how long the peer may take to answer an attach.
	// The link is aborted and the attach fails with Timeout. Zero disables.
	AttachTimeout time.Duration

	// Logger for operational debug output. Nil disables logging.
	Logger *slog.Logger

	// Protocol receives protocol events. Nil disables capture.
	Protocol *log.Emitter
}

// hooks are the direction-specific parts of a link.
type hooks interface {
	// open starts attaching the engine link.
	open(opts engine.LinkOptions, h engine.Handler) (engine.Link, error)

	// attached runs after the link reached ATTACHED.
	attached()

	// detached runs after the link reached DETACHED with the given cause.
	detached(cause error)

	// event handles engine events other than open/close/error while attached.
	event(ev engine.Event)
}

// link is the state machine shared by Sender and Receiver. All fields are
// owned by the loop.
type link struct {
	lp    *loop.Loop
	opts  engine.LinkOptions
	cfg   Config
	hooks hooks

	state State

	// handle is set iff state == StateAttached. pending holds the engine
	// link while attaching or detaching.
	handle  engine.Link
	pending engine.Link

	// gen is bumped whenever the engine link is replaced or dropped so that
	// events from an old engine link are ignored.
	gen uint64

	attachTimer *loop.Timer

	attachWaiters []func(error)
	detachWaiters []func(error)
	deferred      []func()
}

func newLink(lp *loop.Loop, cfg Config, h hooks) *link {
	return &link{lp: lp, opts: cfg.Options, cfg: cfg, hooks: h}
}

// Name returns the link name.
func (l *link) Name() string { return l.opts.Name }

// Address returns the link target or source address.
func (l *link) Address() string { return l.opts.Address }

// State returns the current state. It must be called on the loop.
func (l *link) State() State { return l.state }

// Attach attaches the link. done is called with nil once attached, or with
// the failure.
func (l *link) Attach(done func(error)) {
	l.inject(done, func() { l.attach(done) })
}

// Detach detaches the link cooperatively. done reports the outcome of the
// engine close; a link that is already detached completes with nil.
func (l *link) Detach(done func(error)) {
	l.inject(done, func() { l.detach(done) })
}

// ForceDetach discards the engine link without a handshake and fails all
// pending work with err (or a LinkDetached error when err is nil). It is a
// no-op on a detached link.
func (l *link) ForceDetach(err error) {
	_ = l.lp.Inject(func() { l.forceDetach(err) })
}

// inject runs f on the loop, failing done with NotConnected if the loop is
// gone.
func (l *link) inject(done func(error), f func()) {
	if err := l.lp.Inject(f); err != nil && done != nil {
		go done(errs.Wrap(errs.NotConnected, err, "link loop closed"))
	}
}

// complete schedules done(err) as its own loop task.
func (l *link) complete(done func(error), err error) {
	if done == nil {
		return
	}
	if injErr := l.lp.Inject(func() { done(err) }); injErr != nil {
		go done(err)
	}
}

func (l *link) attach(done func(error)) {
	switch l.state {
	case StateAttached:
		l.complete(done, nil)
		return
	case StateAttaching:
		l.attachWaiters = append(l.attachWaiters, done)
		return
	case StateDetaching:
		l.deferUntilSettled(func() { l.attach(done) })
		return
	}

	l.gen++
	l.attachWaiters = append(l.attachWaiters, done)
	l.setState(StateAttaching, nil)

	el, err := l.hooks.open(l.opts, l.handler(l.gen))
	if err != nil {
		l.debugLog("engine refused link", "error", err)
		l.toDetached(errs.Translate(err))
		return
	}
	l.pending = el

	if l.cfg.AttachTimeout > 0 {
		gen := l.gen
		l.attachTimer = l.lp.AfterFunc(l.cfg.AttachTimeout, func() { l.attachExpired(gen) })
	}
}

func (l *link) attachExpired(gen uint64) {
	if l.state != StateAttaching || l.gen != gen {
		return
	}
	l.debugLog("attach timed out", "timeout", l.cfg.AttachTimeout)
	if l.pending != nil {
		l.pending.Abort()
	}
	cause := errs.Newf(errs.Timeout, "link %s not attached within %s", l.opts.Name, l.cfg.AttachTimeout)
	l.cfg.Protocol.Error(log.LayerLink, l.opts.Name, cause, "attach")
	l.toDetached(cause)
}

func (l *link) detach(done func(error)) {
	switch l.state {
	case StateDetached:
		l.complete(done, nil)
	case StateAttaching:
		if l.pending != nil {
			l.pending.Abort()
		}
		l.toDetached(errs.New(errs.OperationCancelled, "link detached while attaching"))
		l.complete(done, nil)
	case StateDetaching:
		l.detachWaiters = append(l.detachWaiters, done)
	case StateAttached:
		el := l.handle
		l.handle = nil
		l.pending = el
		l.gen++
		gen := l.gen
		l.detachWaiters = append(l.detachWaiters, done)
		l.setState(StateDetaching, nil)
		el.Close(func(err error) {
			_ = l.lp.Inject(func() { l.closed(gen, err) })
		})
	}
}

// closed finishes a cooperative detach.
func (l *link) closed(gen uint64, err error) {
	if l.state != StateDetaching || l.gen != gen {
		return
	}
	err = errs.Translate(err)
	waiters := l.detachWaiters
	l.detachWaiters = nil
	l.toDetached(nil)
	for _, done := range waiters {
		l.complete(done, err)
	}
}

func (l *link) forceDetach(err error) {
	switch l.state {
	case StateDetached:
		return
	case StateAttached:
		l.handle.Abort()
	default:
		if l.pending != nil {
			l.pending.Abort()
		}
	}
	l.toDetached(err)
}

// toDetached moves to DETACHED, failing everything that waits on the link.
func (l *link) toDetached(cause error) {
	failure := cause
	if failure == nil {
		failure = errs.New(errs.LinkDetached, "link "+l.opts.Name+" detached")
	}

	l.attachTimer.Stop()
	l.attachTimer = nil
	l.handle = nil
	l.pending = nil
	l.gen++
	l.setState(StateDetached, cause)

	attach := l.attachWaiters
	l.attachWaiters = nil
	for _, done := range attach {
		l.complete(done, failure)
	}
	detach := l.detachWaiters
	l.detachWaiters = nil
	for _, done := range detach {
		l.complete(done, cause)
	}

	l.hooks.detached(failure)
	l.replay()
}

// handler returns the engine handler for the engine link of generation gen.
func (l *link) handler(gen uint64) engine.Handler {
	return func(ev engine.Event) {
		_ = l.lp.Inject(func() {
			if l.gen != gen {
				return
			}
			l.onEvent(ev)
		})
	}
}

func (l *link) onEvent(ev engine.Event) {
	switch ev.Type {
	case engine.LinkOpened:
		if l.state != StateAttaching {
			return
		}
		l.attachTimer.Stop()
		l.attachTimer = nil
		l.handle = l.pending
		l.pending = nil
		l.setState(StateAttached, nil)
		waiters := l.attachWaiters
		l.attachWaiters = nil
		for _, done := range waiters {
			l.complete(done, nil)
		}
		l.hooks.attached()
		l.replay()

	case engine.LinkClosed, engine.LinkError:
		cause := errs.Translate(ev.Err)
		if cause == nil {
			cause = errs.New(errs.LinkDetached, "link "+l.opts.Name+" detached by peer")
		}
		wasAttached := l.state == StateAttached
		l.cfg.Protocol.Error(log.LayerLink, l.opts.Name, cause, ev.Type.String())
		l.toDetached(cause)
		if wasAttached && l.cfg.OnError != nil {
			l.cfg.OnError(cause)
		}

	default:
		if l.state == StateAttached {
			l.hooks.event(ev)
		}
	}
}

// deferUntilSettled queues f until the current transition settles.
func (l *link) deferUntilSettled(f func()) {
	l.deferred = append(l.deferred, f)
}

// replay runs deferred requests in order. A request that finds the link in
// flight again defers itself anew, keeping the order.
func (l *link) replay() {
	if len(l.deferred) == 0 {
		return
	}
	queued := l.deferred
	l.deferred = nil
	for i, f := range queued {
		if l.state == StateAttaching || l.state == StateDetaching {
			l.deferred = append(l.deferred, queued[i:]...)
			return
		}
		f()
	}
}

func (l *link) setState(s State, reason error) {
	old := l.state
	if old == s {
		return
	}
	l.state = s
	l.debugLog("link state change", "old", old, "new", s)
	l.cfg.Protocol.State(log.LayerLink, log.StateEntityLink, l.opts.Name, old.String(), s.String(), reason)
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(old, s)
	}
}

// debugLog logs a debug message if a logger is configured.
func (l *link) debugLog(msg string, args ...any) {
	if l.cfg.Logger != nil {
		l.cfg.Logger.Debug(msg, append([]any{"link", l.opts.Name}, args...)...)
	}
}
