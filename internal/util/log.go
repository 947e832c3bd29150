package util

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr unless SetLogOutput redirects it.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess marks a milestone of the session (channel open, media up).
func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info("✓ " + fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// LogFields writes msg at info level followed by key/value pairs, e.g.
// LogFields("session", "state", "connected", "role", "initiator").
func LogFields(msg string, kv ...any) {
	pterm.DefaultLogger.Info(msg, pterm.DefaultLogger.Args(kv...))
}

// LogDebugFields is LogFields at debug level.
func LogDebugFields(msg string, kv ...any) {
	pterm.DefaultLogger.Debug(msg, pterm.DefaultLogger.Args(kv...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug messages are shown.
func DebugEnabled() bool {
	level := pterm.DefaultLogger.Level
	return level == pterm.LogLevelDebug || level == pterm.LogLevelTrace
}

// SetLogOutput redirects every log line to w.
func SetLogOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}
