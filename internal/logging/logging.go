// Package logging builds the zap loggers used across m365ir.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cdtdelta/m365ir/internal/config"
)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New returns the application logger. Console output goes to stderr so that
// stdout stays clean for command results. When cfg.File is set, JSON lines are
// also written to a rotated file.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encoderConfig())
	} else {
		ec := encoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
	}
	if cfg.File != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(rotator(cfg.File, cfg)),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// RejectLog writes one JSON line per rejected import row. Close flushes and
// releases the underlying file.
type RejectLog struct {
	logger *zap.Logger
	file   *lumberjack.Logger
}

// NewRejectLog opens the rotated rejected-row log at path. An empty path
// returns a log that discards everything.
func NewRejectLog(path string, cfg config.LoggingConfig) *RejectLog {
	if path == "" {
		return NopRejectLog()
	}
	file := rotator(path, cfg)
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(file),
		zapcore.InfoLevel,
	)
	return &RejectLog{logger: zap.New(core), file: file}
}

// NopRejectLog returns a RejectLog that discards everything.
func NopRejectLog() *RejectLog {
	return &RejectLog{logger: zap.NewNop()}
}

// Reject records one rejected row.
func (r *RejectLog) Reject(runID, file string, row int, reason, raw string) {
	r.logger.Info("row rejected",
		zap.String("import_run_id", runID),
		zap.String("file", file),
		zap.Int("row", row),
		zap.String("reason", reason),
		zap.String("raw", raw),
	)
}

// Close flushes pending entries.
func (r *RejectLog) Close() error {
	_ = r.logger.Sync()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func rotator(path string, cfg config.LoggingConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}
