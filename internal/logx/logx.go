// Package logx builds the zap loggers used across the scheduler, timer and
// ioloop packages. It exists so none of those packages reach for a global
// logger directly.
package logx

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger built from zap's development config at Info level
// with stack traces disabled. It reads no environment variables.
func New(name string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		// Building the development config against stderr should never fail;
		// fall back to a no-op logger rather than panic inside a library.
		logger = zap.NewNop()
	}
	if name != "" {
		logger = logger.Named(name)
	}
	return logger
}

// Nop returns a logger that discards everything, used as the default when a
// caller constructs a Scheduler/Manager without supplying one.
func Nop() *zap.Logger {
	return zap.NewNop()
}
