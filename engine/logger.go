package engine

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the engine's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the engine package's logger.
// This must be called before any module is loaded.
func SetLogger(l *zap.Logger) {
	logger = l
}

// guestLogLevel maps an android log priority to a zap level.
func guestLogLevel(prio int32) zapcore.Level {
	switch {
	case prio <= 3:
		return zapcore.DebugLevel
	case prio == 4:
		return zapcore.InfoLevel
	case prio == 5:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
