// Package logging builds zap loggers for adwd processes.
//
// Pipelines are short-lived CLI processes, so loggers write to stderr for
// the operator and, per run, tee into an execution log under the run's
// artifact directory so a multi-minute run can be audited afterwards.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/adwd/internal/config"
)

// New creates a stderr-only logger from config.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stderr), level)
	return zap.New(core), nil
}

// NewRunLogger creates a logger that writes to stderr and to
// <runDir>/<trigger>/execution.log. The file side always logs at debug so
// the transcript is complete regardless of console verbosity.
func NewRunLogger(cfg config.LoggingConfig, runDir, trigger string) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logDir := filepath.Join(runDir, trigger)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "execution.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening execution log: %w", err)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stderr), level),
		zapcore.NewCore(newEncoder("json"), zapcore.AddSync(f), zapcore.DebugLevel),
	)
	return zap.New(core), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
