package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

var (
	stdoutLogger = newLogger(os.Stdout)
	stderrLogger = newLogger(os.Stderr)
)

func newLogger(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
}

// Debug logs verbose diagnostics to stderr
func Debug(format string, v ...interface{}) {
	stderrLogger.Debug(fmt.Sprintf(format, v...))
}

// Info logs informational messages to stdout
func Info(format string, v ...interface{}) {
	stdoutLogger.Info(fmt.Sprintf(format, v...))
}

// Warn logs warning messages to stderr
func Warn(format string, v ...interface{}) {
	stderrLogger.Warn(fmt.Sprintf(format, v...))
}

// Error logs error messages to stderr
func Error(format string, v ...interface{}) {
	stderrLogger.Error(fmt.Sprintf(format, v...))
}

// Fatal logs fatal error messages to stderr and exits with status 1
func Fatal(format string, v ...interface{}) {
	stderrLogger.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

// SetLevel sets the minimum level for both outputs.
// Accepts DEBUG, INFO, WARN or ERROR (case-insensitive); anything else means INFO.
func SetLevel(level string) {
	lvl := log.InfoLevel
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lvl = log.DebugLevel
	case "WARN", "WARNING":
		lvl = log.WarnLevel
	case "ERROR":
		lvl = log.ErrorLevel
	}
	stdoutLogger.SetLevel(lvl)
	stderrLogger.SetLevel(lvl)
}

// SetOutput redirects both loggers to w, used by tests to capture output.
// A nil writer restores stdout/stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		stdoutLogger.SetOutput(os.Stdout)
		stderrLogger.SetOutput(os.Stderr)
		return
	}
	stdoutLogger.SetOutput(w)
	stderrLogger.SetOutput(w)
}
