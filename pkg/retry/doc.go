// Package retry decides whether and when a failed operation is retried.
//
// A Policy answers two questions for a failure: should it be retried at
// all (ShouldRetry), and after how long (NextRetryTimeout). Operation wraps
// an arbitrary asynchronous operation and drives it with a Policy until it
// succeeds, fails with a fatal error, or runs out of time.
//
// # Backoff
//
// ExponentialBackoffWithJitter computes, for the n-th retry:
//
//	timeout = min(Cmin + (2^(n-1) - 1) * U(C*(1-Jd), C*(1-Ju)), Cmax)
//
// where U is uniform random. Throttling errors use a separate, slower set of
// parameters. When ImmediateFirstRetry is set, the first retry of a
// non-throttled failure happens without delay.
//
// # Error filter
//
// Which kinds are retryable is policy, not hard-wired: the ErrorFilter maps
// each errs.Kind to a decision. DefaultErrorFilter retries only transient
// kinds (throttling, timeouts, server faults and lost connectivity).
package retry
