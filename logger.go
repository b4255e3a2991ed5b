package astiflow

import (
	"os"
	"strconv"

	charmlog "github.com/charmbracelet/log"
)

// Right now we use a global logger because it feels weird to inject a logger
// into pure functions. It's only needed to let the operator know about
// discontinuities, dropped packets and other stream-level events that don't
// rise to the level of a returned error.
var logger Logger = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
	ReportTimestamp: true,
	Prefix:          "astiflow",
})

// Logger is the subset of github.com/charmbracelet/log's interface the
// package relies on, narrow enough that callers can plug in their own
// backend via SetLogger without pulling in charmbracelet/log themselves.
type Logger interface {
	Debug(msg interface{}, keyvals ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
	Error(msg interface{}, keyvals ...interface{})
}

// SetLogger overrides the package-level logger.
func SetLogger(l Logger) { logger = l }

// SetLogLevel maps the supervisor's --debug[=level] flag onto the default
// charmbracelet/log backend, when it's the one in use.
func SetLogLevel(level string) {
	cl, ok := logger.(*charmlog.Logger)
	if !ok {
		return
	}
	switch level {
	case "debug":
		cl.SetLevel(charmlog.DebugLevel)
	case "info", "":
		cl.SetLevel(charmlog.InfoLevel)
	case "warn":
		cl.SetLevel(charmlog.WarnLevel)
	case "error":
		cl.SetLevel(charmlog.ErrorLevel)
	default:
		// A numeric --debug level (a bare --debug yields "1") enables debug.
		if _, err := strconv.Atoi(level); err == nil {
			cl.SetLevel(charmlog.DebugLevel)
		}
	}
}
