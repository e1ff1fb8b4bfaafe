package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logLevels = []zapcore.Level{
	zapcore.WarnLevel,
	zapcore.InfoLevel,
	zapcore.DebugLevel,
}

// newLogger builds a console logger on stderr; each -v lowers the level one step.
func newLogger(verbose int) (*zap.Logger, error) {
	if verbose >= len(logLevels) {
		verbose = len(logLevels) - 1
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(logLevels[verbose])
	cfg.DisableStacktrace = verbose < len(logLevels)-1
	return cfg.Build()
}
