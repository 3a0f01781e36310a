// Package corelog defines the coordination core's structured logging
// interface: a small interface taking a structured entry, so every
// subsystem logs without forcing a concrete backend on callers. A no-op
// default is provided for callers that don't care; production wiring
// adapts a github.com/joeycumines/logiface Logger (see logiface.go).
package corelog

import "time"

// Level is the severity of a log entry.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Entry is a structured log record. Fields is a free-form map of
// component-specific correlation data (e.g. "tunnel", "switch_id",
// "op_id", "request_id").
type Entry struct {
	Level     Level
	Component string
	Message   string
	Err       error
	Fields    map[string]any
	Timestamp time.Time
}

// Logger is the structured logging interface implemented by every
// backend. IsEnabled lets callers skip building Fields for a
// disabled level.
type Logger interface {
	Log(e Entry)
	IsEnabled(level Level) bool
}

// noopLogger discards everything.
type noopLogger struct{}

func (noopLogger) Log(Entry) {}

func (noopLogger) IsEnabled(Level) bool { return false }

// NewNoop returns a Logger that discards all entries.
func NewNoop() Logger { return noopLogger{} }

// For carries a component name and a small immutable field set built up
// once (e.g. per-tunnel, per-request) and reused across several log
// calls.
type For struct {
	logger    Logger
	component string
	fields    map[string]any
}

// Component binds a Logger to a component name for repeated use.
func Component(logger Logger, component string) For {
	if logger == nil {
		logger = NewNoop()
	}
	return For{logger: logger, component: component}
}

// With returns a derived For carrying additional fields, leaving the
// receiver unmodified.
func (f For) With(fields map[string]any) For {
	merged := make(map[string]any, len(f.fields)+len(fields))
	for k, v := range f.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return For{logger: f.logger, component: f.component, fields: merged}
}

func (f For) log(level Level, msg string, err error) {
	if !f.logger.IsEnabled(level) {
		return
	}
	f.logger.Log(Entry{
		Level:     level,
		Component: f.component,
		Message:   msg,
		Err:       err,
		Fields:    f.fields,
		Timestamp: time.Now(),
	})
}

func (f For) Debug(msg string)            { f.log(LevelDebug, msg, nil) }
func (f For) Info(msg string)             { f.log(LevelInfo, msg, nil) }
func (f For) Warn(msg string)             { f.log(LevelWarn, msg, nil) }
func (f For) Error(msg string, err error) { f.log(LevelError, msg, err) }
