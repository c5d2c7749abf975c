// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options mirror the log section of the config file.
type Options struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File receives the log instead of stderr. The TUI sets it so log lines
	// do not tear the terminal.
	File string `yaml:"file"`
}

func DefaultOptions() Options {
	return Options{Level: "info", Format: "console"}
}

// New returns a logger for opts. Level "off" returns a no-op logger.
func New(opts Options) (*zap.Logger, error) {
	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if level == "off" {
		return zap.NewNop(), nil
	}
	if level == "" {
		level = "info"
	}
	atom, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
	}

	var enc zapcore.EncoderConfig
	format := strings.ToLower(opts.Format)
	switch format {
	case "", "console":
		format = "console"
		enc = zap.NewDevelopmentEncoderConfig()
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	case "json":
		enc = zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	out := "stderr"
	if opts.File != "" {
		out = opts.File
	}
	cfg := zap.Config{
		Level:            atom,
		Encoding:         format,
		EncoderConfig:    enc,
		OutputPaths:      []string{out},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
