package corelog

import "github.com/rs/zerolog"

// NewZerolog adapts a github.com/rs/zerolog Logger into the core's Logger
// interface, for embedders already standardized on zerolog rather than
// the logiface stack.
func NewZerolog(zl zerolog.Logger) Logger {
	return zerologLogger{zl: zl}
}

type zerologLogger struct {
	zl zerolog.Logger
}

func (w zerologLogger) IsEnabled(level Level) bool {
	min := w.zl.GetLevel()
	if min == zerolog.Disabled {
		return false
	}
	return toZerologLevel(level) >= min
}

func (w zerologLogger) Log(e Entry) {
	ev := w.zl.WithLevel(toZerologLevel(e.Level))
	if e.Component != "" {
		ev = ev.Str("component", e.Component)
	}
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Msg(e.Message)
}

func toZerologLevel(level Level) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
