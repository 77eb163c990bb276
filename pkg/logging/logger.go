// Package logging provides the daemon's leveled file logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown strings default to
// info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR", "CRITICAL":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes timestamped lines to a rotating log file and mirrors them
// to stderr.
type Logger struct {
	mu     sync.Mutex
	file   *lumberjack.Logger
	level  Level
	mirror bool
}

// New creates a logger writing to logFile at the given minimum level. The
// parent directory is created if missing.
func New(logFile, level string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &Logger{
		file: &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		},
		level:  ParseLevel(level),
		mirror: true,
	}, nil
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] [%s] %s\n", timestamp, level, message)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write([]byte(line)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write to log: %v\n", err)
	}
	if l.mirror {
		fmt.Fprint(os.Stderr, line)
	}
}

// Debug logs debug information.
func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }

// Info logs informational messages.
func (l *Logger) Info(format string, args ...any) { l.log(LevelInfo, format, args...) }

// Warn logs warning messages.
func (l *Logger) Warn(format string, args ...any) { l.log(LevelWarn, format, args...) }

// Error logs error messages.
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// SetMirror controls whether log lines are also written to stderr.
func (l *Logger) SetMirror(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = on
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
