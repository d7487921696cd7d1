// Package logger provides the shared zap logger for the TradEZ client.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Log is the global logger instance.
	Log = zap.NewNop()
	// Sugar is the sugared logger for convenience.
	Sugar = Log.Sugar()
)

// Config holds logger configuration.
type Config struct {
	Level       string `mapstructure:"level"`       // debug, info, warn, error
	Development bool   `mapstructure:"development"` // console-friendly output
	Encoding    string `mapstructure:"encoding"`    // json or console
}

// Init initializes the global logger.
func Init(cfg *Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	config.Level = zap.NewAtomicLevelAt(level)
	if cfg.Encoding != "" {
		config.Encoding = cfg.Encoding
	}

	log, err := config.Build(zap.AddCaller())
	if err != nil {
		return err
	}

	Log = log
	Sugar = log.Sugar()
	return nil
}

// InitDefault initializes with defaults based on the TRADEZ_ENV environment.
func InitDefault() {
	cfg := &Config{Level: "info", Encoding: "json"}
	if os.Getenv("TRADEZ_ENV") != "production" {
		cfg.Level = "debug"
		cfg.Development = true
		cfg.Encoding = "console"
	}
	if err := Init(cfg); err != nil {
		panic(err)
	}
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return Log.With(fields...)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return Log.Sync()
}
