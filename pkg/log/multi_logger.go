package log

// MultiLogger passes every event to several loggers in order, typically a
// FileLogger for capture and a SlogAdapter for the console.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines loggers. Nil and NoopLogger entries are skipped
// and nested MultiLoggers are flattened.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		m.add(l)
	}
	return m
}

func (m *MultiLogger) add(l Logger) {
	switch v := l.(type) {
	case nil, NoopLogger:
	case *MultiLogger:
		if v != nil {
			for _, inner := range v.loggers {
				m.add(inner)
			}
		}
	default:
		m.loggers = append(m.loggers, l)
	}
}

// Len returns the number of loggers events are passed to.
func (m *MultiLogger) Len() int { return len(m.loggers) }

// Log implements Logger.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

var _ Logger = (*MultiLogger)(nil)
