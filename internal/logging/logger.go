package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger defines a minimal, printf-style logging contract. Components depend
// on this interface so they never touch the underlying handler directly.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config controls the process-wide structured logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

var (
	rootMu   sync.RWMutex
	rootSlog = slog.New(slog.NewTextHandler(os.Stdout, nil))
)

// Init installs the process-wide structured logger. Safe to call once at
// startup before any component loggers are handed out.
func Init(config Config) {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	rootMu.Lock()
	rootSlog = slog.New(handler)
	rootMu.Unlock()
}

func root() *slog.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return rootSlog
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) log(fn func(string, ...any), format string, args ...any) {
	fn(fmt.Sprintf(format, args...), "component", l.component)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.log(root().Debug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.log(root().Info, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.log(root().Warn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.log(root().Error, format, args...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}
