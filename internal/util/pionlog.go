package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLoggerFactory routes pion's internal logs into the pterm logger. pion
// is chatty at info level, so its info and debug output only appears when
// debug logging is enabled; warnings and errors always do.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

// NewLogger returns a leveled logger tagged with the pion scope.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l *pionLogger) debug(msg string) {
	if DebugEnabled() {
		LogDebug("[pion/%s] %s", l.scope, msg)
	}
}

func (l *pionLogger) Trace(msg string)                          {}
func (l *pionLogger) Tracef(format string, args ...interface{}) {}

func (l *pionLogger) Debug(msg string) { l.debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.debug(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Info(msg string) { l.debug(msg) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.debug(fmt.Sprintf(format, args...))
}

func (l *pionLogger) Warn(msg string) { LogWarning("[pion/%s] %s", l.scope, msg) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	LogWarning("[pion/%s] %s", l.scope, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Error(msg string) { LogError("[pion/%s] %s", l.scope, msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	LogError("[pion/%s] %s", l.scope, fmt.Sprintf(format, args...))
}
