package corelog

import "github.com/joeycumines/logiface"

// NewLogiface adapts a github.com/joeycumines/logiface Logger into the
// core's Logger interface. E is the concrete event type of whatever
// backend the caller configured (e.g. github.com/joeycumines/stumpy's
// *stumpy.Event, or github.com/joeycumines/izerolog's *izerolog.Event).
func NewLogiface[E logiface.Event](l *logiface.Logger[E]) Logger {
	if l == nil {
		return NewNoop()
	}
	return logifaceLogger[E]{l: l}
}

type logifaceLogger[E logiface.Event] struct {
	l *logiface.Logger[E]
}

func (w logifaceLogger[E]) IsEnabled(level Level) bool {
	return w.l.Level() >= toLogifaceLevel(level)
}

func (w logifaceLogger[E]) Log(e Entry) {
	b := w.l.Build(toLogifaceLevel(e.Level))
	if b == nil || !b.Enabled() {
		return
	}
	if e.Component != "" {
		b.Str("component", e.Component)
	}
	for k, v := range e.Fields {
		b.Any(k, v)
	}
	if e.Err != nil {
		b.Err(e.Err)
	}
	b.Log(e.Message)
}

func toLogifaceLevel(level Level) logiface.Level {
	switch level {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
