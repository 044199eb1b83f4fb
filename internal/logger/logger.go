// Package logger provides levelled logging for the ragd server and CLI.
// Messages below the configured level are discarded; everything else is
// written to stderr prefixed with its level.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

var (
	mu     sync.RWMutex
	level  = LevelInfo
	output io.Writer = os.Stderr
)

// ParseLevel maps a config string to a Level.
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
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput sets the output writer for logs.
// Defaults to os.Stderr. Useful for testing.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

func logf(l Level, format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if l < level {
		return
	}
	fmt.Fprintf(output, "["+l.String()+"] "+format+"\n", args...)
}

// Debug prints a message at debug level.
func Debug(format string, args ...any) { logf(LevelDebug, format, args...) }

// Info prints a message at info level.
func Info(format string, args ...any) { logf(LevelInfo, format, args...) }

// Warn prints a message at warn level.
func Warn(format string, args ...any) { logf(LevelWarn, format, args...) }

// Error prints a message at error level.
func Error(format string, args ...any) { logf(LevelError, format, args...) }

// Writer returns an io.Writer that logs each written line at level l.
// It is used to route third-party request logs through this package.
func Writer(l Level) io.Writer {
	return lineWriter{level: l}
}

type lineWriter struct {
	level Level
}

func (w lineWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			logf(w.level, "%s", line)
		}
	}
	return len(p), nil
}
