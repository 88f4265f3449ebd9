package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// debugAdapter feeds the Printf output of the library into zap at debug
// level.
type debugAdapter struct {
	*zap.SugaredLogger
}

func (log *debugAdapter) Printf(msg string, args ...interface{}) {
	log.SugaredLogger.Debugf(msg, args...)
}

func newLogger(c logConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)

	var encoder zapcore.Encoder
	switch c.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format: %s", c.Format)
	}

	writeSyncer, err := writeSyncer(c)
	if err != nil {
		return nil, err
	}
	return zap.New(zapcore.NewCore(encoder, writeSyncer, level), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func writeSyncer(c logConfig) (zapcore.WriteSyncer, error) {
	switch c.Output {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr", "":
		return zapcore.AddSync(os.Stderr), nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   c.Output,
		MaxSize:    c.MaxSize, // MB
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge, // days
		Compress:   c.Compress,
	}), nil
}
