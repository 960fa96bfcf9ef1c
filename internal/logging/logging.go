// Package logging owns the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Logger is the shared logger used by every package
var Logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: false,
})

// Setup configures the shared logger from a level name and the verbose flag
func Setup(level string, verbose bool) {
	Logger.SetLevel(ParseLevel(level))
	if verbose {
		Logger.SetLevel(log.DebugLevel)
		Logger.SetReportTimestamp(true)
	}
}

// ParseLevel maps a level name to a log level, defaulting to info
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// SetOutput redirects the shared logger, mainly for tests
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// With returns a child logger carrying the given key/value pairs
func With(keyvals ...interface{}) *log.Logger {
	return Logger.With(keyvals...)
}
