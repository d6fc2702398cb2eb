// Package errs defines the closed set of error kinds surfaced by the
// transport and the translator that maps AMQP conditions onto them.
//
// Every error leaving the transport core is an *Error carrying a Kind. The
// native error that caused it is kept as the nested cause, so both
//
//	errors.Is(err, errs.Throttling)
//	errors.As(err, &amqpErr)
//
// work on the same value.
//
// # Translation
//
// Translate inspects the native error for an AMQP condition string. Known
// conditions map through a static table; unknown conditions become Unknown.
// Errors without a condition are classified by shape: network failures are
// NotConnected, context deadlines are Timeout and cancellations are
// OperationCancelled.
package errs
