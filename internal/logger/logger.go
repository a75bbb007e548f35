// Package logger builds the zap logger shared by every orchestrator
// component: the daemon, the pool, the scheduler, and the perception loop
// all log through a single *zap.Logger handed down from cmd/ghosttabd.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ParseLevel maps a config-file level string to its zapcore.Level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case LevelInfo:
		return zapcore.InfoLevel, nil
	case LevelWarn:
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logger: unknown level %q", level)
	}
}

func ensureParentDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func buildEncoder(format string, forFile bool) (zapcore.Encoder, error) {
	switch format {
	case FormatJSON:
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case FormatConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		if forFile {
			cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		} else {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("logger: unknown format %q", format)
	}
}

// New builds a *zap.Logger writing to stdout and, when filePath is
// non-empty, tee'd into a log file as well. The returned closer flushes
// and releases the file handle; callers must defer it.
func New(level, format, filePath string) (*zap.Logger, func(), error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	stdoutEncoder, err := buildEncoder(format, false)
	if err != nil {
		return nil, nil, err
	}
	stdoutCore := zapcore.NewCore(stdoutEncoder, zapcore.Lock(os.Stdout), zapLevel)

	var logFile *os.File
	core := zapcore.Core(stdoutCore)

	if filePath != "" {
		if err := ensureParentDir(filePath); err != nil {
			return nil, nil, fmt.Errorf("logger: create log dir: %w", err)
		}
		logFile, err = os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logger: open log file: %w", err)
		}
		fileEncoder, err := buildEncoder(format, true)
		if err != nil {
			logFile.Close()
			return nil, nil, err
		}
		fileCore := zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), zapLevel)
		core = zapcore.NewTee(stdoutCore, fileCore)
	}

	zapLogger := zap.New(core)

	closer := func() {
		_ = zapLogger.Sync()
		if logFile != nil {
			_ = logFile.Close()
		}
	}

	return zapLogger, closer, nil
}
