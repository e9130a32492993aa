// Package logger provides structured logging for the faucet client and the
// development faucet server.
//
// It builds on log/slog with text, color and JSON output, configurable
// levels and context-carried loggers. A process-wide logger is kept behind
// an atomic pointer so it can be swapped when the configuration file is
// reloaded.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"powfaucet/config"
)

// ComponentKey is the attribute key naming the subsystem that logged a record.
const ComponentKey = "component"

var globalLogger atomic.Pointer[slog.Logger]

// configLevel is shared by every logger built from a configuration file, so
// a reloaded file changes the level of loggers already handed out.
var configLevel = new(slog.LevelVar)

// Config represents the logger configuration
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // text, color, json
	Quiet   bool   // suppress all but errors
	Verbose bool   // enable debug logs
	Output  io.Writer
}

// Get returns the global logger, initializing it with defaults if necessary.
func Get() *slog.Logger {
	l := globalLogger.Load()
	if l == nil {
		SetDefault()
		l = globalLogger.Load()
	}
	return l
}

// Set atomically replaces the global logger.
func Set(l *slog.Logger) {
	globalLogger.Store(l)
}

// SetDefault installs an info-level text logger writing to stderr.
func SetDefault() {
	Set(New(Config{
		Level:  "info",
		Format: "text",
		Output: os.Stderr,
	}))
}

// New creates a logger from cfg. A nil Output writes to stderr.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return slog.New(createHandler(cfg.Format, parseLevel(cfg), out))
}

// For returns the global logger tagged with a component attribute.
func For(component string) *slog.Logger {
	return Get().With(ComponentKey, component)
}

// OrDefault returns l, or the component logger when l is nil.
func OrDefault(l *slog.Logger, component string) *slog.Logger {
	if l != nil {
		return l.With(ComponentKey, component)
	}
	return For(component)
}

// NewFromClientConfig creates a logger from the faucet client configuration.
func NewFromClientConfig(cfg *config.ClientConfig) *slog.Logger {
	return fromLogging(cfg.Logging, os.Stderr)
}

// NewFromServerConfig creates a logger from the dev server configuration.
func NewFromServerConfig(cfg *config.ServerConfig) *slog.Logger {
	return fromLogging(cfg.Logging, os.Stderr)
}

// ApplyLevel updates the level of every logger built from a configuration
// file. The output format is fixed when the logger is created.
func ApplyLevel(l config.LoggingConfig) slog.Level {
	level := parseLevel(Config{Level: l.Level, Quiet: l.Quiet, Verbose: l.Verbose})
	configLevel.Set(level)
	return level
}

func fromLogging(l config.LoggingConfig, out io.Writer) *slog.Logger {
	ApplyLevel(l)
	return slog.New(createHandler(l.Format, configLevel, out))
}

// parseLevel converts the level string and override flags to a slog.Level.
// Verbose wins over Quiet, and both win over Level.
func parseLevel(cfg Config) slog.Level {
	if cfg.Verbose {
		return slog.LevelDebug
	}
	if cfg.Quiet {
		return slog.LevelError
	}

	switch strings.ToLower(cfg.Level) {
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

// Info logs an informational message using the global logger
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Warn logs a warning message using the global logger
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error message using the global logger
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Debug logs a debug message using the global logger
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}
