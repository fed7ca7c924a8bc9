package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger: JSON to stderr, optionally teed
// into a size-rotated file.
func newLogger(cfg *Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.LogFile == "" {
		return zcfg.Build()
	}

	encoder := zapcore.NewJSONEncoder(zcfg.EncoderConfig)
	rotating := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	})
	core := zapcore.NewCore(encoder, rotating, level)

	stderr, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return zap.New(zapcore.NewTee(stderr.Core(), core)), nil
}
