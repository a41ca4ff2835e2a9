package log

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// ZerologLogger adapts zerolog to Logger. It backs the human-readable CLI output.
type ZerologLogger struct {
	zl zerolog.Logger
}

// NewZerologLogger writes to w at the given minimum level. With console set the
// output is zerolog's colourised ConsoleWriter instead of JSON lines.
func NewZerologLogger(w io.Writer, level Level, console bool) *ZerologLogger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	zl := zerolog.New(w).Level(toZerologLevel(level)).With().Timestamp().Logger()
	return &ZerologLogger{zl: zl}
}

// Zerolog exposes the underlying logger.
func (z *ZerologLogger) Zerolog() zerolog.Logger {
	return z.zl
}

func (z *ZerologLogger) Debug(msg string, fields ...any) { z.emit(z.zl.Debug(), msg, fields) }
func (z *ZerologLogger) Info(msg string, fields ...any)  { z.emit(z.zl.Info(), msg, fields) }
func (z *ZerologLogger) Warn(msg string, fields ...any)  { z.emit(z.zl.Warn(), msg, fields) }
func (z *ZerologLogger) Error(msg string, fields ...any) { z.emit(z.zl.Error(), msg, fields) }

func (z *ZerologLogger) With(fields ...any) Logger {
	return &ZerologLogger{zl: z.zl.With().Fields(fields).Logger()}
}

func (z *ZerologLogger) Enabled(_ context.Context, level Level) bool {
	return toZerologLevel(level) >= z.zl.GetLevel()
}

func (z *ZerologLogger) emit(ev *zerolog.Event, msg string, fields []any) {
	if ev == nil {
		return
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}

// RouteWarnings sends errors.Warn output through z as structured warnings.
// Warning types implementing zerolog.LogObjectMarshaler are embedded field by field.
func (z *ZerologLogger) RouteWarnings() {
	errors.SetZerologWarnFunc(func(w error) {
		ev := z.zl.Warn()
		if m, ok := w.(zerolog.LogObjectMarshaler); ok {
			ev = ev.EmbedObject(m)
		}
		ev.Msg(w.Error())
	})
}

func toZerologLevel(level Level) zerolog.Level {
	switch {
	case level <= LevelDebug:
		return zerolog.DebugLevel
	case level <= LevelInfo:
		return zerolog.InfoLevel
	case level <= LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
