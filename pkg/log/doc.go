// Package log provides structured protocol logging for the transport core.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at the connection, link and CBS layers. It is
// separate from operational logging (slog): protocol capture provides a
// complete machine-readable trace of state changes, transfers, settlements
// and token exchanges for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/devicelink/conn.dlog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Every event carries exactly one payload:
//   - MessageEvent: a transfer sent or received on a link
//   - SettlementEvent: the outcome of a delivery
//   - StateChangeEvent: connection, session, link and CBS lifecycle
//   - TokenEvent: a CBS put-token request or response
//   - ErrorEventData: a classified failure
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with the .dlog extension.
// Reader iterates over them with optional filtering.
package log
