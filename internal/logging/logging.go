package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bhyvex/metis/internal/config"
)

// New builds the process logger from the logging section of the config.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = outputPaths(cfg)
	zc.ErrorOutputPaths = []string{"stderr"}

	return zc.Build()
}

func outputPaths(cfg config.LoggingConfig) []string {
	var paths []string
	if cfg.Path != "" {
		paths = append(paths, cfg.Path)
	}
	if cfg.Stdout || len(paths) == 0 {
		paths = append(paths, "stdout")
	}
	return paths
}
