package retry

import (
	"time"

	"github.com/devicelink/devicelink-go/pkg/errs"
)

// Policy decides whether a failure is retried and how long to wait.
type Policy interface {
	// ShouldRetry reports whether err is worth another attempt.
	ShouldRetry(err error) bool

	// NextRetryTimeout returns the delay before retry number attempt.
	// A negative value means no further retry.
	NextRetryTimeout(attempt int, throttled bool) time.Duration
}

// ErrorFilter maps error kinds to a retry decision. Kinds missing from the
// filter are not retried.
type ErrorFilter map[errs.Kind]bool

// DefaultErrorFilter returns the default retry table.
//
// DeviceMaximumQueueDepthExceeded, PreconditionFailed and IotHubSuspended
// are kept fatal; callers that know better can flip them in their own copy.
func DefaultErrorFilter() ErrorFilter {
	return ErrorFilter{
		errs.Argument:                        false,
		errs.ArgumentOutOfRange:              false,
		errs.DeviceMaximumQueueDepthExceeded: false,
		errs.DeviceNotFound:                  false,
		errs.Format:                          false,
		errs.Unauthorized:                    false,
		errs.NotImplemented:                  false,
		errs.NotConnected:                    true,
		errs.IotHubQuotaExceeded:             false,
		errs.MessageTooLarge:                 false,
		errs.InternalServerError:             true,
		errs.ServiceUnavailable:              true,
		errs.IotHubNotFound:                  false,
		errs.IotHubSuspended:                 false,
		errs.JobNotFound:                     false,
		errs.TooManyDevices:                  false,
		errs.Throttling:                      true,
		errs.DeviceAlreadyExists:             false,
		errs.DeviceMessageLockLost:           false,
		errs.InvalidEtag:                     false,
		errs.InvalidOperation:                false,
		errs.PreconditionFailed:              false,
		errs.Timeout:                         true,
		errs.BadDeviceResponse:               false,
		errs.GatewayTimeout:                  false,
		errs.DeviceTimeout:                   false,
	}
}

// Retryable reports whether the filter allows retrying err.
func (f ErrorFilter) Retryable(err error) bool {
	if err == nil {
		return false
	}
	return f[errs.KindOf(err)]
}

// Clone returns an independent copy of the filter.
func (f ErrorFilter) Clone() ErrorFilter {
	out := make(ErrorFilter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// NoRetry never retries.
type NoRetry struct{}

// ShouldRetry always returns false.
func (NoRetry) ShouldRetry(error) bool { return false }

// NextRetryTimeout always returns -1.
func (NoRetry) NextRetryTimeout(int, bool) time.Duration { return -1 }

// Compile-time interface satisfaction checks.
var (
	_ Policy = NoRetry{}
	_ Policy = (*ExponentialBackoffWithJitter)(nil)
)
