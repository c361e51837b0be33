package mssql

import (
	"context"
	"fmt"

	"github.com/microsoft/go-mssqldb/msdsn"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogger is the only logging surface the command execution engine
// depends on. A Connection hands one to every Command it produces; the
// engine never imports zap directly outside this file.
type ContextLogger interface {
	Log(ctx context.Context, level msdsn.Log, data string)
}

// msdnsLogToZapLog is a map of msdns log levels to zap log levels.
var msdnsLogToZapLog = map[msdsn.Log]zapcore.Level{
	msdsn.LogDebug:    zapcore.DebugLevel,
	msdsn.LogMessages: zapcore.InfoLevel,
	msdsn.LogErrors:   zapcore.ErrorLevel,
}

// zapContextLogger implements ContextLogger by wrapping a zap.Logger.
type zapContextLogger struct {
	logger *zap.Logger
}

// zapLoggerToContextLogger wraps a zap.Logger object as a ContextLogger interface implementation.
func zapLoggerToContextLogger(logger *zap.Logger) ContextLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapContextLogger{logger: logger}
}

// Log emits a log with the given msdns log level.
func (l *zapContextLogger) Log(_ context.Context, level msdsn.Log, data string) {
	zapLevel, ok := msdnsLogToZapLog[level]
	if !ok {
		zapLevel = zapcore.InfoLevel
	}
	l.logger.Log(zapLevel, data)
}

// nopContextLogger discards everything; used when a Connection fake in
// tests does not care about log output.
type nopContextLogger struct{}

func (nopContextLogger) Log(context.Context, msdsn.Log, string) {}

// logTrace and logError are small call-site helpers that format structured
// fields into a single line, keeping every component's logging calls to
// one-liners without each component needing to depend on zap's field
// constructors directly.
func logTrace(ctx context.Context, l ContextLogger, format string, args ...any) {
	if l == nil {
		return
	}
	l.Log(ctx, msdsn.LogDebug, fmt.Sprintf(format, args...))
}

func logError(ctx context.Context, l ContextLogger, format string, args ...any) {
	if l == nil {
		return
	}
	l.Log(ctx, msdsn.LogErrors, fmt.Sprintf(format, args...))
}
