// Package logger provides the single zap logger instance shared by the
// rest of the module.
package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	sugar  *zap.SugaredLogger
	config = zap.NewProductionConfig()
)

func build() *zap.SugaredLogger {
	config.Encoding = "console"
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zap.NewProductionEncoderConfig().EncodeTime

	logger, err := config.Build()
	if err != nil {
		// Fall back to a no-op logger rather than panic on startup.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// Logger returns the process-wide sugared logger, building it on first use.
func Logger() *zap.SugaredLogger {
	once.Do(func() {
		sugar = build()
	})
	return sugar
}

// SetLevel adjusts the minimum enabled level at runtime (e.g. for -T/-v flags).
func SetLevel(level zap.AtomicLevel) {
	config.Level.SetLevel(level.Level())
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	if sugar == nil {
		return nil
	}
	return sugar.Sync()
}
