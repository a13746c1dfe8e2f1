package util

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// current is set once by InitLogger. Code that logs before that (tests,
// package init) gets a development logger.
var current atomic.Pointer[zap.Logger]

// InitLogger builds the process logger for env and installs it as the zap
// global. Every entry carries the service name.
func InitLogger(service, env string) error {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := config.Build()
	if err != nil {
		return err
	}
	l = l.With(zap.String("service", service))

	current.Store(l)
	zap.ReplaceGlobals(l)
	return nil
}

// GetLogger returns the process logger. Safe for concurrent use.
func GetLogger() *zap.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		l = zap.NewNop()
	}
	if current.CompareAndSwap(nil, l) {
		return l
	}
	return current.Load()
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if l := current.Load(); l != nil {
		_ = l.Sync()
	}
}
