package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type logConfig struct {
	level  string
	format string
	file   string
}

// newLogger logs to stderr, or to a rotated file when one is configured.
func newLogger(c logConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch c.format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console", "":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format: %s", c.format)
	}

	ws := zapcore.Lock(os.Stderr)
	if c.file != "" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		if c.format != "json" {
			enc = zapcore.NewConsoleEncoder(encCfg)
		}
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return zap.New(zapcore.NewCore(enc, ws, level)), nil
}
