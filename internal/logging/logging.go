// Package logging builds the service's zap logger.
//
// Lines are JSON with the keys of models.LogEntry (timestamp, level,
// message, service) so the monitor can tail the log file.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level, destinations and the service name.
type Options struct {
	Service string
	Level   string // debug, info, warn, error
	File    string // optional; appended to stdout
	Env     string // "development" disables sampling
}

// EncoderConfig returns the JSON layout shared by every logger of the service.
func EncoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "message"
	enc.LevelKey = "level"
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.EncodeTime = zapcore.RFC3339TimeEncoder
	return enc
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	level := opts.Level
	if level == "" {
		level = "info"
	}
	atom, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	cfg.EncoderConfig = EncoderConfig()
	cfg.OutputPaths = []string{"stdout"}
	if opts.File != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}
	// Stack traces stay on Error and above in every environment.
	if opts.Env == "development" {
		cfg.Sampling = nil
	}
	if opts.Service != "" {
		cfg.InitialFields = map[string]interface{}{"service": opts.Service}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("unable to build logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
