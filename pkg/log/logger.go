package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const (
	ErrAttrKey        = "error"
	StacktraceAttrKey = "stacktrace"
)

var (
	globalMu     sync.RWMutex
	globalLogger Logger = NewSlogLogger(slog.Default())
)

// GetLogger returns the process-wide logger.
func GetLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetLogger replaces the process-wide logger.
func SetLogger(l Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// SetupLogger installs a JSON slog handler on w (stdout when nil) as both the
// slog default and the flowfid logger. Records use CloudLogging key names.
func SetupLogger(w io.Writer, loglevel string) error {
	level, err := ParseLevel(loglevel)
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stdout
	}
	ops := slog.HandlerOptions{
		AddSource: true,
		Level:     slog.Level(level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				attr = slog.Attr{Key: "severity", Value: attr.Value}
			case slog.MessageKey:
				attr = slog.Attr{Key: "message", Value: attr.Value}
			case slog.SourceKey:
				attr = slog.Attr{Key: "logging.googleapis.com/sourceLocation", Value: attr.Value}
			}
			return attr
		},
	}
	handler := WrapByErrFmtHandler(slog.NewJSONHandler(w, &ops))
	sl := slog.New(handler)
	slog.SetDefault(sl)
	SetLogger(NewSlogLogger(sl))
	return nil
}

// ParseLevel converts "debug", "info", "warn" or "error" to a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// ErrAttr is a wrapper to pass err to slog.
func ErrAttr(err error) slog.Attr {
	return slog.Any(ErrAttrKey, err)
}

// SlogLogger adapts *slog.Logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

func (s *SlogLogger) Debug(msg string, fields ...any) { s.l.Debug(msg, fields...) }
func (s *SlogLogger) Info(msg string, fields ...any)  { s.l.Info(msg, fields...) }
func (s *SlogLogger) Warn(msg string, fields ...any)  { s.l.Warn(msg, fields...) }
func (s *SlogLogger) Error(msg string, fields ...any) { s.l.Error(msg, fields...) }

func (s *SlogLogger) With(fields ...any) Logger {
	return &SlogLogger{l: s.l.With(fields...)}
}

func (s *SlogLogger) Enabled(ctx context.Context, level Level) bool {
	return s.l.Enabled(ctx, slog.Level(level))
}
