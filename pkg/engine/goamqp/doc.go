// Package goamqp implements the engine contract over github.com/Azure/go-amqp.
//
// go-amqp exposes a blocking API. Each engine call that would block (dial,
// session begin, link attach, transfer, settlement, detach) runs on its own
// goroutine bounded by a timeout, and its outcome is reported through the
// endpoint's engine.Handler. Handlers are never called with a lock held.
//
// Errors are converted before they are reported: remote AMQP errors become
// errs.RemoteError values carrying the condition, so the core's translator
// can classify them; local link, session and connection failures keep their
// go-amqp type as the cause.
//
// # Credit
//
// go-amqp manages link credit internally. A sender link here advertises a
// fixed window of concurrent in-flight transfers (Config.MaxInFlight) and
// reports LinkSendable whenever a transfer settles.
package goamqp
