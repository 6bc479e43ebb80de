// Package observability owns zap logger construction for the CLI and the
// server. Operational logs are separate from job-facing LogEvents, which
// belong to pkg/joblog.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the process-wide logger. Commands use it directly; the
// server wraps it with request-scoped fields.
var CLILogger = zap.NewNop()

// Options controls logger construction.
type Options struct {
	// Level is one of debug|info|warn|error. Empty means info.
	Level string

	// Structured selects JSON output (serve mode). False means a console
	// encoder for interactive CLI use.
	Structured bool

	// FilePath, when set, adds a rotating file sink alongside stderr.
	FilePath string

	// FileMaxSizeMB and FileMaxBackups bound the rotating sink.
	FileMaxSizeMB  int
	FileMaxBackups int
}

// Init builds the process logger and installs it as CLILogger.
func Init(opts Options) *zap.Logger {
	level := parseLevel(opts.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Structured {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}

	if opts.FilePath != "" {
		maxSize := opts.FileMaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := opts.FileMaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		})
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, sink, level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	CLILogger = logger
	return logger
}

// Sync flushes buffered log entries. Safe to call on exit.
func Sync() {
	_ = CLILogger.Sync()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
