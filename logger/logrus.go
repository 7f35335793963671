package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus logger to the Logger interface. It is used when the
// agent is configured for structured (JSON) log output.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps l. Fields are attached to every line.
func NewLogrusLogger(l *logrus.Logger, fields logrus.Fields) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(l).WithFields(fields)}
}

func (l *LogrusLogger) Fatal(format string, a ...any) { l.entry.Fatal(fmt.Sprintf(format, a...)) }

func (l *LogrusLogger) Err(format string, a ...any) { l.entry.Error(fmt.Sprintf(format, a...)) }

func (l *LogrusLogger) Warn(format string, a ...any) { l.entry.Warn(fmt.Sprintf(format, a...)) }

func (l *LogrusLogger) Info(format string, a ...any) { l.entry.Info(fmt.Sprintf(format, a...)) }

func (l *LogrusLogger) Debug(format string, a ...any) { l.entry.Debug(fmt.Sprintf(format, a...)) }
