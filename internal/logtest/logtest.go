// Package logtest provides a logger.Logger that records messages for assertions.
package logtest

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// Levels accepted by Contains and Count.
const (
	LevelFatal = "fatal"
	LevelError = "error"
	LevelWarn  = "warn"
	LevelInfo  = "info"
	LevelDebug = "debug"
)

// Logger records every message by level and echoes it to the test log. Fatal is
// recorded like the other levels and never exits.
type Logger struct {
	t *testing.T

	mu   sync.Mutex
	logs map[string][]string
}

func New(t *testing.T) *Logger {
	return &Logger{t: t, logs: make(map[string][]string)}
}

func (l *Logger) record(level, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	l.mu.Lock()
	l.logs[level] = append(l.logs[level], msg)
	l.mu.Unlock()
	l.t.Logf("%s: %s", strings.ToUpper(level), msg)
}

func (l *Logger) Fatal(format string, a ...any) { l.record(LevelFatal, format, a...) }
func (l *Logger) Err(format string, a ...any)   { l.record(LevelError, format, a...) }
func (l *Logger) Warn(format string, a ...any)  { l.record(LevelWarn, format, a...) }
func (l *Logger) Info(format string, a ...any)  { l.record(LevelInfo, format, a...) }
func (l *Logger) Debug(format string, a ...any) { l.record(LevelDebug, format, a...) }

// Contains checks if any message at level contains substr.
func (l *Logger) Contains(level, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, msg := range l.logs[level] {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Count returns the number of messages at level.
func (l *Logger) Count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs[level])
}
