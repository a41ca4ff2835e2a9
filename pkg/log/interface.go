// Package log provides the structured logging interface used across flowfid.
//
// The interface is slog-compatible so the backend can be swapped: the default
// writes JSON through log/slog with cockroachdb stack traces attached, and the
// CLI can switch to a zerolog console writer. Attribute keys for evaluation
// runs live in attributes.go.
//
// Example usage:
//
//	logger := log.GetLogger().With(
//	    log.ComponentKey, "fid",
//	    log.RunIDKey, runID,
//	)
//	logger.Info("reference statistics ready",
//	    log.SamplesKey, 5000,
//	    log.FeaturesKey, 2048,
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// Fields are alternating key/value pairs. With returns a child logger carrying
// the given fields on every record.
type Logger interface {
	// Debug logs a debug-level message with optional structured fields.
	Debug(msg string, fields ...any)

	// Info logs an info-level message with optional structured fields.
	Info(msg string, fields ...any)

	// Warn logs a warning-level message with optional structured fields.
	Warn(msg string, fields ...any)

	// Error logs an error-level message. An error value passed under ErrAttrKey
	// gets its stack trace extracted by the slog backend.
	//
	//   logger.Error("fid calculation failed",
	//       log.ErrAttrKey, err,
	//       log.OperationKey, log.OperationFrechet,
	//   )
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	// Use it to skip building expensive fields.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
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

// LoggerProvider creates loggers. Tests inject a TestLoggerProvider.
type LoggerProvider interface {
	// GetLogger returns the default logger instance.
	GetLogger() Logger

	// GetLoggerWithName returns a logger with a component identifier.
	GetLoggerWithName(name string) Logger

	// SetLevel sets the minimum log level for all loggers created by this provider.
	SetLevel(level Level)
}
