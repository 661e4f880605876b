// Package logger provides structured logging for lbpool.
//
// It wraps the standard library slog package and exposes package-level
// helpers so that every component logs through the same handler:
//
//	logger.Info("Balancer started", "workers", 4, "hosts", 2)
//	logger.Warn("Host marked as problem", "host", "s1", "error", err)
//
// Call Initialize once at startup. Until then the helpers fall back to
// slog.Default(), which keeps tests free of any setup.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/migadu/lbpool/config"
)

var globalLogger atomic.Pointer[slog.Logger]

// syslogHandler forwards records to a syslog writer, flattening attributes into the message
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	kv := make([]any, 0, len(h.attrs)*2+r.NumAttrs()*2)
	for _, a := range h.attrs {
		kv = append(kv, a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		kv = append(kv, a.Key, a.Value.Any())
		return true
	})
	if len(kv) > 0 {
		msg = fmt.Sprintf("%s %v", msg, kv)
	}

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

// WithGroup is not supported by syslog output; groups are flattened.
func (h *syslogHandler) WithGroup(string) slog.Handler {
	return h
}

func newStreamHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Initialize sets up the global logger based on configuration.
// The returned file, if any, must be closed by the caller on shutdown.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}

	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var (
		handler slog.Handler
		logFile *os.File
		initErr error
	)

	switch output {
	case "stdout":
		handler = newStreamHandler(os.Stdout, format, opts)
	case "stderr":
		handler = newStreamHandler(os.Stderr, format, opts)
	case "syslog":
		if runtime.GOOS == "windows" {
			initErr = fmt.Errorf("syslog is not supported on windows, using stderr")
			handler = newStreamHandler(os.Stderr, format, opts)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "lbpool")
		if err != nil {
			initErr = fmt.Errorf("failed to connect to syslog, using stderr: %w", err)
			handler = newStreamHandler(os.Stderr, format, opts)
			break
		}
		handler = &syslogHandler{writer: w, level: level}
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			initErr = fmt.Errorf("failed to open log file %q, using stderr: %w", output, err)
			handler = newStreamHandler(os.Stderr, format, opts)
			break
		}
		logFile = f
		handler = newStreamHandler(f, format, opts)
	}

	l := slog.New(handler)
	globalLogger.Store(l)
	slog.SetDefault(l)

	return logFile, initErr
}

// ParseLevel converts a configured level name to a slog.Level (default info)
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// Debug logs a debug message with optional key-value pairs
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Info logs an info message with optional key-value pairs
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Warn logs a warning message with optional key-value pairs
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error message with optional key-value pairs
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
