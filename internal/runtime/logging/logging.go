// Package logging defines the structured logging contract shared by the bus
// runtime and the transports.
package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured key/value pairs attached to a log line.
type LogFields map[string]any

// ServiceLogger is the logging contract the bus runtime depends on. It mirrors
// watermill's LoggerAdapter with an extra Warn level so handlers and transports
// can share one sink.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger wraps a slog.Logger. A nil logger falls back to slog.Default.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		log = slog.Default()
	}
	return &watermillLogger{
		inner: watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping),
		slog:  log,
	}
}

// NewWatermillServiceLogger wraps an existing watermill LoggerAdapter. Warn lines are
// emitted at info level with a "level" field because watermill has no warn.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		return NopLogger{}
	}
	return &watermillLogger{inner: logger}
}

type watermillLogger struct {
	inner watermill.LoggerAdapter
	slog  *slog.Logger
}

func (w *watermillLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	next := &watermillLogger{inner: w.inner.With(toWatermillFields(fields))}
	if w.slog != nil {
		next.slog = w.slog.With(toAttrs(fields)...)
	}
	return next
}

func (w *watermillLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillLogger) Warn(msg string, fields LogFields) {
	if w.slog != nil {
		w.slog.Warn(msg, toAttrs(fields)...)
		return
	}
	enriched := watermill.LogFields{"level": "warn"}
	for k, v := range fields {
		enriched[k] = v
	}
	w.inner.Info(msg, enriched)
}

func (w *watermillLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) With(LogFields) ServiceLogger   { return NopLogger{} }
func (NopLogger) Debug(string, LogFields)        {}
func (NopLogger) Info(string, LogFields)         {}
func (NopLogger) Warn(string, LogFields)         {}
func (NopLogger) Error(string, error, LogFields) {}
func (NopLogger) Trace(string, LogFields)        {}

type loggerAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a watermill LoggerAdapter so
// watermill publishers and subscribers log through the same sink.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		return watermill.NopLogger{}
	}
	if w, ok := log.(*watermillLogger); ok {
		return w.inner
	}
	return &loggerAdapter{base: log}
}

func (s *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

func toAttrs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return attrs
}
