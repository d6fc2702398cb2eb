package log

// Logger receives protocol events. Connections, links and the CBS agent
// call Log from the loop goroutine, so implementations must not block and
// must be safe for concurrent use when shared between connections.
type Logger interface {
	Log(event Event)
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(event Event)

// Log calls f(event).
func (f LoggerFunc) Log(event Event) { f(event) }

// NoopLogger discards events.
type NoopLogger struct{}

// Log does nothing.
func (NoopLogger) Log(Event) {}

var (
	_ Logger = NoopLogger{}
	_ Logger = LoggerFunc(nil)
)
