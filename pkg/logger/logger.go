// Package logger provides the process-wide leveled logger used by all
// tether packages.
//
// The logger is printf-style and intentionally small: one global instance,
// a verbosity threshold, and Tracef..Errorf helpers. Output defaults to
// stderr and can be redirected (e.g. to a session log file) with SetOutput.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is the verbosity threshold used by the logger.
//
// Lower values are more verbose.
type Level int

const (
	// LevelTrace enables extremely verbose logs (protocol events, raw relay
	// traffic, backend stream lines).
	LevelTrace Level = iota
	// LevelDebug enables verbose logs intended for debugging.
	LevelDebug
	// LevelInfo enables informational logs (default).
	LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn
	// LevelError enables only error logs.
	LevelError
)

var levelNames = map[Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// ParseLevel parses a log level string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q", raw)
	}
}

var global = struct {
	mu     sync.RWMutex
	level  Level
	logger *log.Logger
}{
	level:  LevelInfo,
	logger: log.New(os.Stderr, "", log.LstdFlags),
}

// SetOutput replaces the writer used by the global logger.
func SetOutput(w io.Writer) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.logger.SetOutput(w)
}

// SetFlags sets the underlying log flags used for all output.
func SetFlags(flags int) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.logger.SetFlags(flags)
}

// SetLevel sets the global log level threshold.
func SetLevel(level Level) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.level = level
}

// Enabled reports whether a level would be emitted by the current
// configuration.
func Enabled(level Level) bool {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return level >= global.level
}

func emit(level Level, format string, args ...any) {
	global.mu.RLock()
	threshold := global.level
	l := global.logger
	global.mu.RUnlock()

	if level < threshold {
		return
	}
	l.Printf("[%s] %s", levelNames[level], fmt.Sprintf(format, args...))
}

// Tracef logs at TRACE level.
func Tracef(format string, args ...any) { emit(LevelTrace, format, args...) }

// Debugf logs at DEBUG level.
func Debugf(format string, args ...any) { emit(LevelDebug, format, args...) }

// Infof logs at INFO level.
func Infof(format string, args ...any) { emit(LevelInfo, format, args...) }

// Warnf logs at WARN level.
func Warnf(format string, args ...any) { emit(LevelWarn, format, args...) }

// Errorf logs at ERROR level.
func Errorf(format string, args ...any) { emit(LevelError, format, args...) }
