package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap builds the process logger described by l.
func (l LogConfig) Zap() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
