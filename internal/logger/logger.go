// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pulse/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// File names written under LogConfig.Dir.
const (
	ServerLogFile = "websocket-server.log"
	ErrorLogFile  = "websocket-error.log"
)

// New returns a logger writing JSON ("json") or human-readable ("console")
// lines to stderr at cfg.Level. When cfg.Dir is set it also appends JSON lines
// to ServerLogFile at cfg.FileLevel and to ErrorLogFile at error level.
func New(cfg *config.LogConfig) (*zap.Logger, error) {
	return build(cfg, zapcore.Lock(os.Stderr))
}

func build(cfg *config.LogConfig, console zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(jsonEncoderConfig())
	case "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("log format %q: want json or console", cfg.Format)
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, console, lvl)}

	if cfg.Dir != "" {
		files, err := fileCores(cfg)
		if err != nil {
			return nil, err
		}
		cores = append(cores, files...)
	}

	opts := []zap.Option{zap.AddCaller(), zap.ErrorOutput(console)}
	if lvl <= zapcore.DebugLevel {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

func fileCores(cfg *config.LogConfig) ([]zapcore.Core, error) {
	lvl, err := parseLevel(cfg.FileLevel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	all, _, err := zap.Open(filepath.Join(cfg.Dir, ServerLogFile))
	if err != nil {
		return nil, fmt.Errorf("open server log: %w", err)
	}
	errs, _, err := zap.Open(filepath.Join(cfg.Dir, ErrorLogFile))
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	enc := zapcore.NewJSONEncoder(jsonEncoderConfig())
	return []zapcore.Core{
		zapcore.NewCore(enc, all, lvl),
		zapcore.NewCore(enc.Clone(), errs, zapcore.ErrorLevel),
	}, nil
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

func parseLevel(level string) (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return lvl, fmt.Errorf("log level %q: %w", level, err)
	}
	return lvl, nil
}
