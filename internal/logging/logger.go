// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls how the process logger is built.
type Options struct {
	Development bool
	// Level is a zap level name ("debug", "info", ...). Empty means info.
	Level string
	// Quiet suppresses everything below error, overriding Level.
	Quiet bool
}

// New builds a zap.Logger configured for development or production.
func New(opts Options) (*zap.Logger, error) {
	level, err := parseLevel(opts)
	if err != nil {
		return nil, err
	}
	if opts.Development {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

func parseLevel(opts Options) (zapcore.Level, error) {
	if opts.Quiet {
		return zapcore.ErrorLevel, nil
	}
	if strings.TrimSpace(opts.Level) == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parse log level %q: %w", opts.Level, err)
	}
	return level, nil
}
