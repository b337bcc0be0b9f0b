// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for the apkgraph tools.
//
// The logger is a thin layer over log/slog with two destinations: the
// console (stderr by default, text or JSON) and an optional daily JSON log
// file under a log directory.
//
// Extraction runs are long and mostly unattended, so the file destination is
// what operators usually read after a batch. Services never depend on this
// package directly; they accept a *slog.Logger and the CLI hands them
// Logger.Slog().
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.apkgraph/logs",
//	    Service: "extract",
//	})
//	defer logger.Close()
//	logger.Info("batch started", "artifacts", n)
//
// # Thread Safety
//
// Logger is safe for concurrent use. Extraction workers log from many
// goroutines through the same instance.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug traces per-artifact steps (staging, harvest, cleanup).
	LevelDebug Level = iota

	// LevelInfo reports stage boundaries and batch summaries.
	LevelInfo

	// LevelWarn reports item failures that do not stop the batch.
	LevelWarn

	// LevelError reports stage-level failures.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a configuration string into a Level.
//
// # Inputs
//
//   - s: One of "debug", "info", "warn", "warning", "error" (case-insensitive).
//
// # Outputs
//
//   - Level: The parsed level.
//   - error: Non-nil for an unrecognised name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger. The zero value writes Info+ text to stderr.
type Config struct {
	// Level is the minimum level written to every destination.
	Level Level

	// LogDir enables the JSON file destination. The file is named
	// "{Service}_{YYYY-MM-DD}.log". A leading ~ is expanded.
	LogDir string

	// Service is attached to every entry as the "service" attribute.
	Service string

	// JSON switches the console destination to JSON.
	JSON bool

	// Quiet disables the console destination.
	Quiet bool

	// Output replaces stderr as the console destination.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with multi-destination output.
//
// Create child loggers with With; they share the file handle of their
// parent, so only the root logger should be closed.
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	mu     *sync.Mutex
}

// New creates a Logger for the given configuration.
//
// File logging failures (unwritable directory, open error) are not fatal:
// the logger falls back to the remaining destinations.
//
// # Inputs
//
//   - config: Logger configuration.
//
// # Outputs
//
//   - *Logger: Ready-to-use logger. Call Close when done.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	var handlers []slog.Handler

	if !config.Quiet {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{
		config: config,
		mu:     &sync.Mutex{},
	}

	if config.LogDir != "" {
		if file, err := openLogFile(config); err == nil {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.log(LevelInfo, msg, args...) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.log(LevelWarn, msg, args...) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// With returns a child logger carrying additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		file:   l.file,
		mu:     l.mu,
	}
}

// Slog returns the underlying slog.Logger for injection into services.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file. The first error encountered is
// returned. Closing twice is a no-op.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync log file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to several slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helpers
// =============================================================================

func openLogFile(config Config) (*os.File, error) {
	dir := expandPath(config.LogDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	service := config.Service
	if service == "" {
		service = "apkgraph"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
