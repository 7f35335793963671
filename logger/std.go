package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strings"
)

// ANSI color codes for terminal output
const (
	colorReset   = "\033[0m"
	colorYellow  = "\033[33m"
	colorGreen   = "\033[32m"
	colorBlue    = "\033[34m"
	colorPurple  = "\033[35m"
	colorCyan    = "\033[36m"
	colorBoldRed = "\033[1;31m"
)

// DebugEnv enables Debug output of a StdLogger when set to "1".
const DebugEnv = "GUEST_DEBUG"

// StdOptions configures a StdLogger.
type StdOptions struct {
	// Prefix is printed before every line, e.g. "[GUEST] "
	Prefix string
	// Color forces ANSI colors on or off. Nil means detect from the writer.
	Color *bool
	// Debug enables Debug output regardless of DebugEnv.
	Debug bool
	// Exit is called by Fatal. Defaults to os.Exit.
	Exit func(code int)
}

// StdLogger writes level-tagged lines through the standard library log package.
type StdLogger struct {
	out   *log.Logger
	color bool
	debug bool
	exit  func(code int)
}

// NewStdLogger creates a logger writing to w.
func NewStdLogger(w io.Writer, opts StdOptions) *StdLogger {
	color := isTerminal(w)
	if opts.Color != nil {
		color = *opts.Color
	}
	prefix := opts.Prefix
	if color && prefix != "" {
		prefix = colorBlue + strings.TrimSpace(prefix) + colorReset + " "
	}
	exit := opts.Exit
	if exit == nil {
		exit = os.Exit
	}
	return &StdLogger{
		out:   log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
		color: color,
		debug: opts.Debug || os.Getenv(DebugEnv) == "1",
		exit:  exit,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Get caller function name for logging
func getCallerName() string {
	pc, _, _, ok := runtime.Caller(3) // printf <- level method <- caller
	if !ok {
		return "?"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "?"
	}
	parts := strings.Split(fn.Name(), ".")
	return parts[len(parts)-1]
}

func (l *StdLogger) printf(level, color, format string, args ...any) {
	funcName := getCallerName()
	if l.color {
		prefix := fmt.Sprintf("%s[%s]%s %s%s%s: ", color, level, colorReset, colorCyan, funcName, colorReset)
		l.out.Printf(prefix+format, args...)
		return
	}
	l.out.Printf("[%s] %s: "+format, append([]any{level, funcName}, args...)...)
}

// Fatal logs a message with Fatal level and exits with code 1
func (l *StdLogger) Fatal(format string, args ...any) {
	l.printf("FATAL", colorBoldRed, format, args...)
	l.exit(1)
}

// Err logs a message with Error level
func (l *StdLogger) Err(format string, args ...any) {
	l.printf("ERROR", colorBoldRed, format, args...)
}

// Warn logs a message with Warning level
func (l *StdLogger) Warn(format string, args ...any) {
	l.printf("WARN", colorYellow, format, args...)
}

// Info logs a message with Info level
func (l *StdLogger) Info(format string, args ...any) {
	l.printf("INFO", colorGreen, format, args...)
}

// Debug logs a message with Debug level when debugging is enabled
func (l *StdLogger) Debug(format string, args ...any) {
	if !l.debug {
		return
	}
	l.printf("DEBUG", colorPurple, format, args...)
}
