package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Options controls logger construction.
type Options struct {
	// Level is one of DEBUG, INFO, WARN, ERROR. Invalid values fall back to INFO.
	Level string
	// File, when set, sends log output to a size-rotated file instead of stdout.
	File string
	// MaxSizeMB caps a single log file before rotation. Zero means 50.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Zero means 5.
	MaxBackups int
}

// Setup initializes the global logger. Subsequent calls are no-ops.
func Setup(opts Options) {
	once.Do(func() {
		var l slog.Level
		switch strings.ToUpper(opts.Level) {
		case "DEBUG":
			l = slog.LevelDebug
		case "WARN":
			l = slog.LevelWarn
		case "ERROR":
			l = slog.LevelError
		default:
			l = slog.LevelInfo
		}

		var w io.Writer = os.Stdout
		if opts.File != "" {
			maxSize := opts.MaxSizeMB
			if maxSize <= 0 {
				maxSize = 50
			}
			maxBackups := opts.MaxBackups
			if maxBackups <= 0 {
				maxBackups = 5
			}
			w = &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    maxSize,
				MaxBackups: maxBackups,
				Compress:   true,
			}
		}

		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup(Options{Level: "INFO"})
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithDevice returns a logger with the device serial field set.
func WithDevice(serial string) *slog.Logger {
	return Get().With(slog.String("serial", serial))
}

// WithCommand returns a logger with the command id field set.
func WithCommand(id string) *slog.Logger {
	return Get().With(slog.String("command_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
