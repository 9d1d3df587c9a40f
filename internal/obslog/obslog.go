// Package obslog adapts a go-kit logger to the core engine's go-log.Logger
// interface, the way the upstream driver/server pairing always has: a
// logfmt writer on stdout, sub-loggers obtained through With.
package obslog

import (
	"fmt"
	"os"

	gklog "github.com/go-kit/kit/log"
	gklevel "github.com/go-kit/kit/log/level"

	golog "github.com/fclairamb/go-log"
)

// DefaultCaller adds a "caller" property to every line.
var DefaultCaller = gklog.Caller(4)

// DefaultTimestampUTC adds a "ts" property to every line.
var DefaultTimestampUTC = gklog.DefaultTimestampUTC

type kitLogger struct {
	logger gklog.Logger
}

// NewStdout builds a logfmt logger writing to stdout, stamped with a UTC
// timestamp and the calling file:line.
func NewStdout() golog.Logger {
	return New(gklog.NewLogfmtLogger(gklog.NewSyncWriter(os.Stdout))).With(
		"ts", DefaultTimestampUTC,
		"caller", DefaultCaller,
	)
}

// New wraps an arbitrary go-kit logger.
func New(logger gklog.Logger) golog.Logger {
	return &kitLogger{logger: logger}
}

func (l *kitLogger) check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging error:", err)
	}
}

func (l *kitLogger) log(leveled gklog.Logger, event string, keyvals ...interface{}) {
	kv := append([]interface{}{"event", event}, keyvals...)
	l.check(leveled.Log(kv...))
}

func (l *kitLogger) Debug(event string, keyvals ...interface{}) {
	l.log(gklevel.Debug(l.logger), event, keyvals...)
}

func (l *kitLogger) Info(event string, keyvals ...interface{}) {
	l.log(gklevel.Info(l.logger), event, keyvals...)
}

func (l *kitLogger) Warn(event string, keyvals ...interface{}) {
	l.log(gklevel.Warn(l.logger), event, keyvals...)
}

func (l *kitLogger) Error(event string, keyvals ...interface{}) {
	l.log(gklevel.Error(l.logger), event, keyvals...)
}

func (l *kitLogger) With(keyvals ...interface{}) golog.Logger {
	return New(gklog.With(l.logger, keyvals...))
}
