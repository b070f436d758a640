// Package logging is a thin, category-tagged wrapper around zap.
// All logging in this module goes through this package rather than importing
// zap directly, so call sites stay agnostic of the backend.
package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category constants for consistent logging categories.
const (
	CategoryApp        = "App"
	CategoryWorker     = "Worker"
	CategoryStore      = "Store"
	CategoryDiscovery  = "Discovery"
	CategoryTimebase   = "Timebase"
	CategorySink       = "Sink"
	CategorySTT        = "STT"
	CategoryAudio      = "Audio"
	CategoryConference = "Conference"
	CategoryCallEnd    = "CallEnd"
	CategoryAIJobs     = "AIJobs"
)

var logger *zap.Logger

// Init initializes logging at the given level ("debug", "info", "warn", "error", "fatal").
func Init(level string) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := cfg.Build()
	if err != nil {
		built = zap.NewNop()
	}
	logger = built
}

// Shutdown flushes any buffered log entries.
func Shutdown(ctx context.Context) {
	if logger != nil {
		_ = logger.Sync()
	}
}

func l() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Debug logs a debug message.
func Debug(category, format string, args ...interface{}) {
	l().Debug(fmt.Sprintf(format, args...), zap.String("category", category))
}

// Info logs an info message.
func Info(category, format string, args ...interface{}) {
	l().Info(fmt.Sprintf(format, args...), zap.String("category", category))
}

// Warning logs a warning message.
func Warning(category, format string, args ...interface{}) {
	l().Warn(fmt.Sprintf(format, args...), zap.String("category", category))
}

// Error logs an error message.
func Error(category, format string, args ...interface{}) {
	l().Error(fmt.Sprintf(format, args...), zap.String("category", category))
}

// Fail logs a fatal-severity error without exiting the process; callers decide whether to exit.
func Fail(category, format string, args ...interface{}) {
	l().Error(fmt.Sprintf(format, args...), zap.String("category", category), zap.Bool("fatal", true))
}
