package errs

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// AMQP and vendor condition strings understood by Translate.
const (
	CondInternalError          = "amqp:internal-error"
	CondNotFound               = "amqp:not-found"
	CondUnauthorizedAccess     = "amqp:unauthorized-access"
	CondDecodeError            = "amqp:decode-error"
	CondResourceLimitExceeded  = "amqp:resource-limit-exceeded"
	CondNotAllowed             = "amqp:not-allowed"
	CondInvalidField           = "amqp:invalid-field"
	CondNotImplemented         = "amqp:not-implemented"
	CondResourceLocked         = "amqp:resource-locked"
	CondPreconditionFailed     = "amqp:precondition-failed"
	CondResourceDeleted        = "amqp:resource-deleted"
	CondIllegalState           = "amqp:illegal-state"
	CondFrameSizeTooSmall      = "amqp:frame-size-too-small"
	CondConnectionForced       = "amqp:connection:forced"
	CondConnectionFramingError = "amqp:connection:framing-error"
	CondConnectionRedirect     = "amqp:connection:redirect"
	CondSessionWindowViolation = "amqp:session:window-violation"
	CondSessionErrantLink      = "amqp:session:errant-link"
	CondSessionHandleInUse     = "amqp:session:handle-in-use"
	CondSessionUnattached      = "amqp:session:unattached-handle"
	CondLinkDetachForced       = "amqp:link:detach-forced"
	CondLinkTransferLimit      = "amqp:link:transfer-limit-exceeded"
	CondLinkMessageSize        = "amqp:link:message-size-exceeded"
	CondLinkRedirect           = "amqp:link:redirect"
	CondLinkStolen             = "amqp:link:stolen"

	CondMessageLockLost      = "com.microsoft:message-lock-lost"
	CondArgumentError        = "com.microsoft:argument-error"
	CondArgumentOutOfRange   = "com.microsoft:argument-out-of-range"
	CondTimeout              = "com.microsoft:timeout"
	CondServerBusy           = "com.microsoft:server-busy"
	CondDeviceThrottled      = "com.microsoft:device-container-throttled"
	CondIotHubSuspended      = "com.microsoft:iot-hub-suspended"
	CondIotHubNotFound       = "com.microsoft:iot-hub-not-found-error"
	CondQuotaExceeded        = "com.microsoft:iot-hub-quota-exceeded"
	CondDeviceAlreadyExists  = "com.microsoft:device-already-exists"
	CondMSPreconditionFailed = "com.microsoft:precondition-failed"
	CondInvalidEtag          = "com.microsoft:invalid-etag"
	CondTooManyDevices       = "com.microsoft:too-many-devices"
	CondJobNotFound          = "com.microsoft:job-not-found"
	CondGatewayTimeout       = "com.microsoft:gateway-timeout"
	CondDeviceTimeout        = "com.microsoft:device-timeout"
	CondBadDeviceResponse    = "com.microsoft:bad-device-response"
)

// conditionKinds maps each known condition to exactly one kind.
var conditionKinds = map[string]Kind{
	CondInternalError:          InternalServerError,
	CondNotFound:               DeviceNotFound,
	CondUnauthorizedAccess:     Unauthorized,
	CondDecodeError:            Format,
	CondResourceLimitExceeded:  DeviceMaximumQueueDepthExceeded,
	CondNotAllowed:             InvalidOperation,
	CondInvalidField:           Format,
	CondNotImplemented:         NotImplemented,
	CondResourceLocked:         InvalidOperation,
	CondPreconditionFailed:     PreconditionFailed,
	CondResourceDeleted:        DeviceNotFound,
	CondIllegalState:           InvalidOperation,
	CondFrameSizeTooSmall:      MessageTooLarge,
	CondConnectionForced:       NotConnected,
	CondConnectionFramingError: NotConnected,
	CondConnectionRedirect:     NotConnected,
	CondSessionWindowViolation: NotConnected,
	CondSessionErrantLink:      NotConnected,
	CondSessionHandleInUse:     NotConnected,
	CondSessionUnattached:      NotConnected,
	CondLinkDetachForced:       LinkDetached,
	CondLinkTransferLimit:      Throttling,
	CondLinkMessageSize:        MessageTooLarge,
	CondLinkRedirect:           LinkDetached,
	CondLinkStolen:             LinkDetached,

	CondMessageLockLost:      DeviceMessageLockLost,
	CondArgumentError:        Argument,
	CondArgumentOutOfRange:   ArgumentOutOfRange,
	CondTimeout:              Timeout,
	CondServerBusy:           ServiceUnavailable,
	CondDeviceThrottled:      Throttling,
	CondIotHubSuspended:      IotHubSuspended,
	CondIotHubNotFound:       IotHubNotFound,
	CondQuotaExceeded:        IotHubQuotaExceeded,
	CondDeviceAlreadyExists:  DeviceAlreadyExists,
	CondMSPreconditionFailed: PreconditionFailed,
	CondInvalidEtag:          InvalidEtag,
	CondTooManyDevices:       TooManyDevices,
	CondJobNotFound:          JobNotFound,
	CondGatewayTimeout:       GatewayTimeout,
	CondDeviceTimeout:        DeviceTimeout,
	CondBadDeviceResponse:    BadDeviceResponse,
}

// KindForCondition returns the kind mapped to an AMQP condition string.
func KindForCondition(condition string) Kind {
	if k, ok := conditionKinds[condition]; ok {
		return k
	}
	return Unknown
}

// RemoteError is a condition-carrying error reported by the peer. Engines
// convert their native remote errors to this type.
type RemoteError struct {
	Condition   string
	Description string
	Info        map[string]any
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Description == "" {
		return e.Condition
	}
	return e.Condition + ": " + e.Description
}

// AMQPCondition returns the condition string.
func (e *RemoteError) AMQPCondition() string { return e.Condition }

// conditioner is satisfied by any native error that exposes a condition.
type conditioner interface {
	AMQPCondition() string
}

// Translate classifies a native error. Nil stays nil and errors that are
// already classified are returned unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	var c conditioner
	if errors.As(err, &c) {
		cond := c.AMQPCondition()
		msg := err.Error()
		var remote *RemoteError
		if errors.As(err, &remote) && remote.Description != "" {
			msg = remote.Description
		}
		return &Error{Kind: KindForCondition(cond), Message: msg, Condition: cond, Cause: err}
	}

	return &Error{Kind: classifyPlain(err), Cause: err}
}

func classifyPlain(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return OperationCancelled
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return NotConnected
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NotConnected
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return NotConnected
	}
	return Unknown
}
