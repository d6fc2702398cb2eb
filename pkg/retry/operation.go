package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/devicelink/devicelink-go/pkg/errs"
)

// DefaultMaxTimeout bounds the total time spent retrying one operation.
const DefaultMaxTimeout = 4 * time.Minute

// OperationOption customizes an Operation.
type OperationOption func(*operationSettings)

type operationSettings struct {
	clock  clock.Clock
	logger *slog.Logger
	name   string
}

// WithClock sets the clock used for deadlines and backoff timers.
func WithClock(c clock.Clock) OperationOption {
	return func(s *operationSettings) { s.clock = c }
}

// WithLogger sets a logger for retry decisions.
func WithLogger(logger *slog.Logger) OperationOption {
	return func(s *operationSettings) { s.logger = logger }
}

// WithName labels the operation in log output.
func WithName(name string) OperationOption {
	return func(s *operationSettings) { s.name = name }
}

// Operation retries an asynchronous operation according to a Policy until
// it succeeds, fails fatally or exceeds its maximum timeout.
//
// An Operation drives one logical call; create a new one per call.
type Operation[T any] struct {
	mu sync.Mutex

	policy     Policy
	maxTimeout time.Duration
	settings   operationSettings

	attempt  int
	start    time.Time
	deadline time.Time

	// Pending backoff timer and the final callback it would lead to.
	timer    *clock.Timer
	final    func(T, error)
	finished bool
}

// NewOperation creates an operation that stops retrying maxTimeout after
// the first invocation.
func NewOperation[T any](policy Policy, maxTimeout time.Duration, opts ...OperationOption) *Operation[T] {
	if policy == nil {
		policy = NoRetry{}
	}
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeout
	}
	s := operationSettings{clock: clock.New(), name: "operation"}
	for _, opt := range opts {
		opt(&s)
	}
	return &Operation[T]{
		policy:     policy,
		maxTimeout: maxTimeout,
		settings:   s,
	}
}

// Retry invokes op and keeps retrying it until the policy gives up. final is
// called exactly once with the successful result or the last error.
func (o *Operation[T]) Retry(op func(done func(T, error)), final func(T, error)) {
	o.mu.Lock()
	o.start = o.settings.clock.Now()
	o.deadline = o.start.Add(o.maxTimeout)
	o.attempt = 0
	o.final = final
	o.finished = false
	o.mu.Unlock()

	o.invoke(op)
}

func (o *Operation[T]) invoke(op func(done func(T, error))) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.attempt++
	attempt := o.attempt
	o.mu.Unlock()

	var once sync.Once
	op(func(result T, err error) {
		once.Do(func() { o.handleResult(op, attempt, result, err) })
	})
}

func (o *Operation[T]) handleResult(op func(done func(T, error)), attempt int, result T, err error) {
	if err == nil {
		o.finish(result, nil)
		return
	}

	var zero T
	if !o.policy.ShouldRetry(err) {
		o.debugLog("not retrying", "attempt", attempt, "error", err)
		o.finish(zero, err)
		return
	}

	now := o.settings.clock.Now()
	o.mu.Lock()
	deadline := o.deadline
	o.mu.Unlock()
	if !now.Before(deadline) {
		o.debugLog("retry deadline reached", "attempt", attempt, "error", err)
		o.finish(zero, err)
		return
	}

	delay := o.policy.NextRetryTimeout(attempt, errs.IsKind(err, errs.Throttling))
	if delay < 0 {
		o.finish(zero, err)
		return
	}

	o.debugLog("retrying", "attempt", attempt, "delay", delay, "error", err)

	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.timer = o.settings.clock.AfterFunc(delay, func() { o.invoke(op) })
	o.mu.Unlock()
}

func (o *Operation[T]) finish(result T, err error) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.finished = true
	final := o.final
	o.final = nil
	o.mu.Unlock()

	if final != nil {
		final(result, err)
	}
}

// Cancel stops a pending retry. If the operation has not finished, its
// final callback receives an OperationCancelled error. An attempt already
// in flight is not interrupted but its result is discarded.
func (o *Operation[T]) Cancel() {
	o.mu.Lock()
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()

	var zero T
	o.finish(zero, errs.New(errs.OperationCancelled, o.settings.name+" cancelled"))
}

// Attempts returns how many times the operation has been invoked.
func (o *Operation[T]) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempt
}

// Do is the blocking form of Retry. fn runs on its own goroutine per
// attempt; ctx cancellation stops further retries.
func (o *Operation[T]) Do(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	resultCh := make(chan outcome, 1)

	o.Retry(func(done func(T, error)) {
		go func() {
			v, err := fn(ctx)
			done(v, errs.Translate(err))
		}()
	}, func(v T, err error) {
		resultCh <- outcome{v, err}
	})

	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-ctx.Done():
		o.Cancel()
		r := <-resultCh
		return r.value, r.err
	}
}

func (o *Operation[T]) debugLog(msg string, args ...any) {
	if o.settings.logger != nil {
		o.settings.logger.Debug(msg, append([]any{"operation", o.settings.name}, args...)...)
	}
}
