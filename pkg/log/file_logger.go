package log

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.uber.org/multierr"
)

// FileLogger appends protocol events to a .dlog capture file. An event that
// cannot be encoded or written is dropped and reported to the error logger;
// capture never fails the transfer, settlement or token exchange it records.
type FileLogger struct {
	path   string
	errLog *slog.Logger

	mu      sync.Mutex
	file    *os.File
	closed  bool
	written uint64
	dropped uint64
}

// FileOption configures a FileLogger.
type FileOption func(*FileLogger)

// WithErrorLogger sets where dropped events are reported. Defaults to
// slog.Default().
func WithErrorLogger(logger *slog.Logger) FileOption {
	return func(l *FileLogger) {
		if logger != nil {
			l.errLog = logger
		}
	}
}

// NewFileLogger opens path for appending, creating it if needed. Capture
// files can hold token audiences and message properties, so new files are
// readable by the owner only.
func NewFileLogger(path string, opts ...FileOption) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open protocol log: %w", err)
	}
	l := &FileLogger{path: path, errLog: slog.Default(), file: f}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Log implements Logger. Events logged after Close are ignored.
func (l *FileLogger) Log(event Event) {
	data, err := EncodeEvent(event)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if err == nil {
		_, err = l.file.Write(data)
	}
	if err != nil {
		l.dropped++
		l.errLog.Warn("protocol event not recorded",
			"file", l.path,
			"layer", event.Layer,
			"category", event.Category,
			"link", event.LinkName,
			"error", err)
		return
	}
	l.written++
}

// Stats returns how many events were recorded and how many were dropped.
func (l *FileLogger) Stats() (written, dropped uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written, l.dropped
}

// Close flushes and closes the file. Further calls return nil.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return multierr.Combine(l.file.Sync(), l.file.Close())
}

var _ Logger = (*FileLogger)(nil)
