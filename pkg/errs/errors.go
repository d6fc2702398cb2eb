package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a transport error. The set is closed: Translate never
// produces a kind outside this list.
type Kind uint8

const (
	// Unknown is used for conditions that have no mapping.
	Unknown Kind = iota
	Argument
	ArgumentOutOfRange
	DeviceMaximumQueueDepthExceeded
	DeviceNotFound
	Format
	Unauthorized
	NotImplemented
	NotConnected
	IotHubQuotaExceeded
	MessageTooLarge
	InternalServerError
	ServiceUnavailable
	IotHubNotFound
	IotHubSuspended
	JobNotFound
	TooManyDevices
	Throttling
	DeviceAlreadyExists
	DeviceMessageLockLost
	InvalidEtag
	InvalidOperation
	PreconditionFailed
	Timeout
	BadDeviceResponse
	GatewayTimeout
	DeviceTimeout
	OperationCancelled
	LinkDetached

	kindCount
)

var kindNames = [kindCount]string{
	Unknown:                         "UNKNOWN",
	Argument:                        "ARGUMENT",
	ArgumentOutOfRange:              "ARGUMENT_OUT_OF_RANGE",
	DeviceMaximumQueueDepthExceeded: "DEVICE_MAXIMUM_QUEUE_DEPTH_EXCEEDED",
	DeviceNotFound:                  "DEVICE_NOT_FOUND",
	Format:                          "FORMAT",
	Unauthorized:                    "UNAUTHORIZED",
	NotImplemented:                  "NOT_IMPLEMENTED",
	NotConnected:                    "NOT_CONNECTED",
	IotHubQuotaExceeded:             "IOTHUB_QUOTA_EXCEEDED",
	MessageTooLarge:                 "MESSAGE_TOO_LARGE",
	InternalServerError:             "INTERNAL_SERVER_ERROR",
	ServiceUnavailable:              "SERVICE_UNAVAILABLE",
	IotHubNotFound:                  "IOTHUB_NOT_FOUND",
	IotHubSuspended:                 "IOTHUB_SUSPENDED",
	JobNotFound:                     "JOB_NOT_FOUND",
	TooManyDevices:                  "TOO_MANY_DEVICES",
	Throttling:                      "THROTTLING",
	DeviceAlreadyExists:             "DEVICE_ALREADY_EXISTS",
	DeviceMessageLockLost:           "DEVICE_MESSAGE_LOCK_LOST",
	InvalidEtag:                     "INVALID_ETAG",
	InvalidOperation:                "INVALID_OPERATION",
	PreconditionFailed:              "PRECONDITION_FAILED",
	Timeout:                         "TIMEOUT",
	BadDeviceResponse:               "BAD_DEVICE_RESPONSE",
	GatewayTimeout:                  "GATEWAY_TIMEOUT",
	DeviceTimeout:                   "DEVICE_TIMEOUT",
	OperationCancelled:              "OPERATION_CANCELLED",
	LinkDetached:                    "LINK_DETACHED",
}

// String returns a human-readable kind name.
func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Unknown; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Error is a classified transport error.
type Error struct {
	// Kind is the domain classification.
	Kind Kind

	// Message describes the failure.
	Message string

	// Condition is the AMQP condition the error was translated from, if any.
	Condition string

	// Cause is the native error, kept for errors.As.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the native cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the same Kind as e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind, keeping it as the nested error.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf returns the kind of err. Errors that were never classified report
// Unknown. KindOf(nil) is Unknown as well; callers check for nil first.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
