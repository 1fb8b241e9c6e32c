// Package logger provides component-tagged structured logging for the
// engine, backed by charmbracelet/log.
package logger

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var base atomic.Pointer[log.Logger]

func init() {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "memtier",
	})
	base.Store(l)
}

// SetLevel adjusts verbosity: "debug", "info", "warn", "error".
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		base.Load().SetLevel(log.DebugLevel)
	case "warn":
		base.Load().SetLevel(log.WarnLevel)
	case "error":
		base.Load().SetLevel(log.ErrorLevel)
	default:
		base.Load().SetLevel(log.InfoLevel)
	}
}

// SetOutput redirects log output; tests use io.Discard.
func SetOutput(l *log.Logger) {
	if l != nil {
		base.Store(l)
	}
}

func DebugC(component, msg string, keyvals ...any) {
	base.Load().With("component", component).Debug(msg, keyvals...)
}

func InfoC(component, msg string, keyvals ...any) {
	base.Load().With("component", component).Info(msg, keyvals...)
}

func WarnC(component, msg string, keyvals ...any) {
	base.Load().With("component", component).Warn(msg, keyvals...)
}

func ErrorC(component, msg string, keyvals ...any) {
	base.Load().With("component", component).Error(msg, keyvals...)
}
