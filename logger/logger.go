// Package logger defines the printf-style logging interface every guest agent
// component receives, with a text implementation (StdLogger), a logrus adapter for
// structured output and a silent NilLogger.
package logger

import "fmt"

// Logger is passed explicitly to the transport, the dispatcher and the CLI.
type Logger interface {
	// Fatal reports an unrecoverable condition. Implementations may exit.
	Fatal(format string, a ...any)
	Err(format string, a ...any)
	Warn(format string, a ...any)
	Info(format string, a ...any)
	// Debug output is usually gated by configuration or GUEST_DEBUG.
	Debug(format string, a ...any)
}

// NilLogger drops everything except Fatal, which panics with the message.
type NilLogger struct{}

// Discard is a shared NilLogger.
var Discard Logger = &NilLogger{}

func (*NilLogger) Fatal(format string, a ...any) { panic(fmt.Sprintf(format, a...)) }
func (*NilLogger) Err(string, ...any)            {}
func (*NilLogger) Warn(string, ...any)           {}
func (*NilLogger) Info(string, ...any)           {}
func (*NilLogger) Debug(string, ...any)          {}

// OrNil returns l, or Discard when l is nil.
func OrNil(l Logger) Logger {
	if l == nil {
		return Discard
	}
	return l
}
