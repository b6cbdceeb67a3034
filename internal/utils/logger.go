package utils

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	processLogger *zap.Logger
	processMu     sync.RWMutex
)

// NewLogger builds the process logger from LOG_* settings and installs it
// as the zap global. Unknown levels fall back to info; unknown encodings
// are an error.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	encoding, encoder, err := encoderFor(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(levelFor(cfg.Level)),
		Development:       cfg.Development,
		Encoding:          encoding,
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.Development,
	}
	if service := strings.TrimSpace(cfg.ServiceName); service != "" {
		zapCfg.InitialFields = map[string]any{"service": service}
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build: %w", err)
	}

	install(logger)
	return logger, nil
}

func levelFor(raw string) zapcore.Level {
	level, err := zapcore.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func encoderFor(raw string) (string, zapcore.EncoderConfig, error) {
	var encoder zapcore.EncoderConfig
	encoding := strings.ToLower(strings.TrimSpace(raw))
	switch encoding {
	case "", "console":
		encoding = "console"
		encoder = zap.NewDevelopmentEncoderConfig()
	case "json":
		encoder = zap.NewProductionEncoderConfig()
		encoder.TimeKey = "ts"
		encoder.EncodeDuration = zapcore.MillisDurationEncoder
	default:
		return "", encoder, fmt.Errorf("logger: unsupported encoding %q", raw)
	}
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	return encoding, encoder, nil
}

// Logger returns the installed logger, or a no-op one before NewLogger ran.
func Logger() *zap.Logger {
	processMu.RLock()
	defer processMu.RUnlock()
	if processLogger == nil {
		return zap.NewNop()
	}
	return processLogger
}

// Component returns the process logger scoped to one subsystem.
func Component(name string) *zap.Logger {
	return Logger().Named(name)
}

func install(logger *zap.Logger) {
	processMu.Lock()
	defer processMu.Unlock()
	processLogger = logger
	zap.ReplaceGlobals(logger)
}
