// Package log provides testing utilities for structured logging.
//
// TestLogger captures records as JSON lines in memory so tests can assert on
// messages and fields without touching global logging state.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// captureSink is shared between a TestLogger and the children created by With.
type captureSink struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

// TestLogger is a Logger that records every emitted entry in memory.
type TestLogger struct {
	sink   *captureSink
	level  Level
	fields map[string]interface{}
}

// NewTestLogger creates a TestLogger with the given minimum level and returns
// it together with the buffer holding the captured JSON lines.
//
//	logger, buf := log.NewTestLogger(log.LevelDebug)
//	logger.Info("reference statistics ready", log.SamplesKey, 64)
//	// inspect buf.String() or logger.GetLogEntries()
func NewTestLogger(level Level) (*TestLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return &TestLogger{
		sink:   &captureSink{buf: buf},
		level:  level,
		fields: make(map[string]interface{}),
	}, buf
}

func (t *TestLogger) Debug(msg string, fields ...any) { t.log(LevelDebug, msg, fields) }
func (t *TestLogger) Info(msg string, fields ...any)  { t.log(LevelInfo, msg, fields) }
func (t *TestLogger) Warn(msg string, fields ...any)  { t.log(LevelWarn, msg, fields) }
func (t *TestLogger) Error(msg string, fields ...any) { t.log(LevelError, msg, fields) }

// With implements Logger.With.
func (t *TestLogger) With(fields ...any) Logger {
	merged := make(map[string]interface{}, len(t.fields)+len(fields)/2)
	for k, v := range t.fields {
		merged[k] = v
	}
	addFields(merged, fields)
	return &TestLogger{sink: t.sink, level: t.level, fields: merged}
}

// Enabled implements Logger.Enabled.
func (t *TestLogger) Enabled(_ context.Context, level Level) bool {
	return t.level <= level
}

func (t *TestLogger) log(level Level, msg string, fields []any) {
	if level < t.level {
		return
	}
	entry := map[string]interface{}{
		"level":   level.String(),
		"message": msg,
	}
	for k, v := range t.fields {
		entry[k] = v
	}
	addFields(entry, fields)

	line, _ := json.Marshal(entry)
	t.sink.mu.Lock()
	t.sink.buf.Write(line)
	t.sink.buf.WriteByte('\n')
	t.sink.mu.Unlock()
}

func addFields(dst map[string]interface{}, fields []any) {
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		if err, ok := fields[i+1].(error); ok {
			dst[key] = err.Error()
			continue
		}
		dst[key] = fields[i+1]
	}
}

func (t *TestLogger) snapshot() string {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	return t.sink.buf.String()
}

// GetLogEntries parses the captured output. JSON numbers come back as float64.
func (t *TestLogger) GetLogEntries() ([]map[string]interface{}, error) {
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(t.snapshot()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ContainsMessage reports whether any captured record contains message.
func (t *TestLogger) ContainsMessage(message string) bool {
	return strings.Contains(t.snapshot(), message)
}

// ContainsField reports whether any captured record has key set to value.
func (t *TestLogger) ContainsField(key string, value interface{}) bool {
	entries, err := t.GetLogEntries()
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if v, ok := entry[key]; ok && v == value {
			return true
		}
	}
	return false
}

// Clear drops all captured content.
func (t *TestLogger) Clear() {
	t.sink.mu.Lock()
	t.sink.buf.Reset()
	t.sink.mu.Unlock()
}

// TestLoggerProvider implements LoggerProvider on top of a TestLogger.
type TestLoggerProvider struct {
	logger *TestLogger
	buffer *bytes.Buffer
}

// NewTestLoggerProvider creates a provider whose loggers share one buffer.
func NewTestLoggerProvider(level Level) (*TestLoggerProvider, *bytes.Buffer) {
	logger, buffer := NewTestLogger(level)
	return &TestLoggerProvider{logger: logger, buffer: buffer}, buffer
}

// GetLogger implements LoggerProvider.GetLogger.
func (p *TestLoggerProvider) GetLogger() Logger {
	return p.logger
}

// GetLoggerWithName implements LoggerProvider.GetLoggerWithName.
func (p *TestLoggerProvider) GetLoggerWithName(name string) Logger {
	return p.logger.With(ComponentKey, name)
}

// SetLevel implements LoggerProvider.SetLevel.
func (p *TestLoggerProvider) SetLevel(level Level) {
	p.logger.level = level
}
