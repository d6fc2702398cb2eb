// Package loop provides the single scheduling context shared by a
// connection, its links and its CBS agent.
//
// Functions injected into a Loop run one at a time, in injection order, on
// the loop goroutine. State owned by loop-bound objects is only touched from
// injected functions, so it needs no further locking. An injected function
// must not block: no other work runs until it returns.
//
// Injection never blocks the caller, including when called from the loop
// goroutine itself, so a handler can schedule follow-up work (completion
// callbacks, deferred requests) without re-entering its own state machine.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed is returned when injecting into a closed loop.
var ErrClosed = errors.New("loop closed")

// Option customizes a Loop.
type Option func(*Loop)

// WithClock sets the clock used by loop timers.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets a logger for loop diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// Loop runs injected functions sequentially on one goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}

	clock  clock.Clock
	logger *slog.Logger
}

// New creates and starts a loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Clock returns the loop's clock.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Inject queues f to run on the loop goroutine. It returns ErrClosed if the
// loop has been closed, in which case f will never run.
func (l *Loop) Inject(f func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
		// Already signalled
	}
	return nil
}

// InjectWait is like Inject but waits for f to complete and returns its
// error. It must not be called from the loop goroutine.
func (l *Loop) InjectWait(f func() error) error {
	errCh := make(chan error, 1)
	if err := l.Inject(func() { errCh <- f() }); err != nil {
		return err
	}
	return <-errCh
}

// Sync waits until every function queued so far, and everything those
// functions queued in turn, has run. Used by tests and shutdown paths.
func (l *Loop) Sync() {
	for {
		empty := make(chan bool, 1)
		err := l.Inject(func() {
			l.mu.Lock()
			empty <- len(l.queue) == 0
			l.mu.Unlock()
		})
		if err != nil || <-empty {
			return
		}
	}
}

// Close stops accepting work, runs what is already queued and waits for the
// loop goroutine to exit. It must not be called from the loop goroutine.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		f := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		f()
	}
}

// Timer is a single-shot timer whose function runs on the loop.
// Timers are created and stopped from the loop goroutine.
type Timer struct {
	t     *clock.Timer
	fired bool
}

// AfterFunc runs f on the loop after d. Must be called from the loop.
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	tm := &Timer{}
	tm.t = l.clock.AfterFunc(d, func() {
		err := l.Inject(func() {
			if tm.fired {
				return
			}
			tm.fired = true
			f()
		})
		if err != nil && l.logger != nil {
			l.logger.Debug("timer fired after loop closed", "error", err)
		}
	})
	return tm
}

// Stop cancels the timer. A timer that already fired, or whose expiry is
// queued but not yet run, will not call its function afterwards.
func (t *Timer) Stop() {
	if t == nil || t.fired {
		return
	}
	t.fired = true
	t.t.Stop()
}

// Await adapts a callback-style operation to a blocking call. start is
// invoked with a completion function; Await returns when it is called or
// when ctx is done, whichever happens first.
func Await[T any](ctx context.Context, start func(done func(T, error))) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	var once sync.Once
	start(func(v T, err error) {
		once.Do(func() { ch <- outcome{v, err} })
	})

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitErr is Await for operations that only report an error.
func AwaitErr(ctx context.Context, start func(done func(error))) error {
	_, err := Await(ctx, func(done func(struct{}, error)) {
		start(func(err error) { done(struct{}{}, err) })
	})
	return err
}
