// Package logging wires this service's structured logging: a
// package-level *slog.Logger threaded through constructors, backed by
// go.uber.org/zap.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction. ServiceName is attached to every
// line as a static field; Level and JSON mirror the two knobs a deployed
// replica actually needs (text while developing, JSON in the fleet).
type Config struct {
	ServiceName string
	Level       string
	JSON        bool
}

// ParseLevel converts a config string to a zapcore.Level, defaulting to
// info for anything unrecognized.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds the process-wide *slog.Logger and installs it as the slog
// default so library code that reaches for slog.Default() picks it up
// too.
func New(cfg Config) *slog.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), ParseLevel(cfg.Level))
	zlog := zap.New(core, zap.AddCaller()).With(zap.String("service", cfg.ServiceName))

	logger := slog.New(zapslog.NewHandler(zlog.Core()))
	slog.SetDefault(logger)
	return logger
}
