// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	debug  bool
)

// SetupLogger installs the default logger. Structured selects JSON output on stderr.
func SetupLogger(debugMode, structured bool) {
	setup(os.Stderr, debugMode, structured)
}

// SetOutput redirects log output, keeping the current level and format. Used by tests.
func SetOutput(w io.Writer, structured bool) {
	mu.RLock()
	d := debug
	mu.RUnlock()
	setup(w, d, structured)
}

func setup(w io.Writer, debugMode, structured bool) {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if structured {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	mu.Lock()
	logger = slog.New(handler)
	debug = debugMode
	mu.Unlock()

	slog.SetDefault(logger)
}

// IsDebugEnabled reports whether debug logging is on.
func IsDebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debug
}

// Logger returns the configured logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a logger tagged with the given component name.
func Component(name string) *slog.Logger {
	return Logger().With(slog.String("component", name))
}

func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }

func Info(msg string, args ...any) { Logger().Info(msg, args...) }

func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

func Error(msg string, args ...any) { Logger().Error(msg, args...) }
