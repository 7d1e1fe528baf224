package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global *zap.SugaredLogger

// Init sets the process-wide logger once, typically from main.
func Init(z *zap.SugaredLogger) { global = z }

// Logger returns the configured logger. It must return a non-nil
// *SugaredLogger even if Init was never called.
func Logger() *zap.SugaredLogger {
	if global == nil {
		return zap.NewNop().Sugar()
	}
	return global
}

// Setup builds a console logger at the requested level and installs it as
// the global logger. Level is one of debug, info, warn, error.
func Setup(level string) (*zap.SugaredLogger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %v", level, err)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.DisableStacktrace = true

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %v", err)
	}

	sugared := z.Sugar()
	Init(sugared)
	return sugared, nil
}
