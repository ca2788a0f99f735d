// Package logging defines the logger the runtime writes to and adapters
// between it, log/slog and Watermill.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract used across the runtime. It is
// Watermill's LoggerAdapter plus a warning level for recoverable routing
// anomalies.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// LevelTrace is the slog level trace messages are written at.
const LevelTrace = watermill.LevelTrace

// sink is a logging backend. Every ServiceLogger in this package is a
// logger over some sink.
type sink interface {
	emit(level slog.Level, msg string, err error, fields LogFields)
	with(fields LogFields) sink
}

type logger struct{ sink }

func (l logger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return logger{l.with(fields)}
}

func (l logger) Trace(msg string, f LogFields) { l.emit(LevelTrace, msg, nil, f) }
func (l logger) Debug(msg string, f LogFields) { l.emit(slog.LevelDebug, msg, nil, f) }
func (l logger) Info(msg string, f LogFields)  { l.emit(slog.LevelInfo, msg, nil, f) }
func (l logger) Warn(msg string, f LogFields)  { l.emit(slog.LevelWarn, msg, nil, f) }

func (l logger) Error(msg string, err error, f LogFields) {
	l.emit(slog.LevelError, msg, err, f)
}

// NewSlogServiceLogger writes to log. Fields are emitted in key order.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("ninjin: slog logger cannot be nil")
	}
	return logger{slogSink{log}}
}

type slogSink struct{ log *slog.Logger }

func (s slogSink) emit(level slog.Level, msg string, err error, fields LogFields) {
	args := attrs(fields)
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	s.log.Log(context.Background(), level, msg, args...)
}

func (s slogSink) with(fields LogFields) sink {
	return slogSink{s.log.With(attrs(fields)...)}
}

func attrs(fields LogFields) []any {
	out := make([]any, 0, len(fields)+1)
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		out = append(out, slog.Any(key, fields[key]))
	}
	return out
}

// NewWatermillServiceLogger writes to an existing Watermill logger.
// Watermill has no warning level, so warnings go to info with
// severity=warn.
func NewWatermillServiceLogger(log watermill.LoggerAdapter) ServiceLogger {
	if log == nil {
		panic("ninjin: watermill logger cannot be nil")
	}
	return logger{watermillSink{log}}
}

type watermillSink struct{ log watermill.LoggerAdapter }

func (w watermillSink) emit(level slog.Level, msg string, err error, fields LogFields) {
	wf := watermill.LogFields(fields)
	switch {
	case level <= LevelTrace:
		w.log.Trace(msg, wf)
	case level <= slog.LevelDebug:
		w.log.Debug(msg, wf)
	case level <= slog.LevelInfo:
		w.log.Info(msg, wf)
	case level < slog.LevelError:
		w.log.Info(msg, watermill.LogFields{"severity": "warn"}.Add(wf))
	default:
		w.log.Error(msg, err, wf)
	}
}

func (w watermillSink) with(fields LogFields) sink {
	return watermillSink{w.log.With(watermill.LogFields(fields))}
}

// NewWatermillAdapter exposes log as a Watermill LoggerAdapter so the router
// and brokers log through the same sink.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("ninjin: ServiceLogger cannot be nil")
	}
	return watermillAdapter{log}
}

type watermillAdapter struct{ ServiceLogger }

func (a watermillAdapter) Error(msg string, err error, f watermill.LogFields) {
	a.ServiceLogger.Error(msg, err, LogFields(f))
}

func (a watermillAdapter) Info(msg string, f watermill.LogFields) {
	a.ServiceLogger.Info(msg, LogFields(f))
}

func (a watermillAdapter) Debug(msg string, f watermill.LogFields) {
	a.ServiceLogger.Debug(msg, LogFields(f))
}

func (a watermillAdapter) Trace(msg string, f watermill.LogFields) {
	a.ServiceLogger.Trace(msg, LogFields(f))
}

func (a watermillAdapter) With(f watermill.LogFields) watermill.LoggerAdapter {
	return watermillAdapter{a.ServiceLogger.With(LogFields(f))}
}
