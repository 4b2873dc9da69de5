package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	// Default is the default logger instance
	Default *slog.Logger
)

func init() {
	Default = NewText("info", os.Stderr)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a structured JSON logger with the specified level and output.
func New(level string, output io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// NewText creates a text-formatted logger (useful for interactive runs).
func NewText(level string, output io.Writer) *slog.Logger {
	handler := slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// SetDefault sets the default logger.
func SetDefault(logger *slog.Logger) {
	Default = logger
	slog.SetDefault(logger)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Default.Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	Default.Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Default.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Default.Error(msg, args...)
}

// With returns a logger with additional attributes.
func With(args ...any) *slog.Logger {
	return Default.With(args...)
}
