package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Log is the global sugared logger
	Log *zap.SugaredLogger = zap.NewNop().Sugar()

	base  *zap.Logger = zap.NewNop()
	level           = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init builds the global logger. format is "json" or "text".
func Init(lvl, format string) error {
	parsed, err := ParseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(parsed)

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	built, err := cfg.Build(zap.Fields(zap.String("app", "samu-panel")))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	base = built
	Log = built.Sugar()
	zap.ReplaceGlobals(built)
	return nil
}

// ParseLevel converts a config level string to a zapcore.Level.
func ParseLevel(lvl string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", lvl)
	}
}

// SetLevel changes the level of the running logger.
func SetLevel(lvl string) error {
	parsed, err := ParseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(parsed)
	return nil
}

// Sync flushes any buffered log entries
func Sync() error {
	return base.Sync()
}

// Named returns a child of the global logger for one component.
func Named(component string) *zap.Logger {
	return base.Named(component)
}

// GetZapLogger returns the underlying zap.Logger
func GetZapLogger() *zap.Logger {
	return base
}
