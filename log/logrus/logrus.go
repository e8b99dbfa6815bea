// Package logrus adapts a *logrus.Entry to livecache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/livecache"
)

var _ livecache.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every line with component=livecache.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "livecache")}
}

func (l Logger) Debug(msg string, f livecache.Fields) { l.log(logrus.DebugLevel, msg, f) }
func (l Logger) Info(msg string, f livecache.Fields)  { l.log(logrus.InfoLevel, msg, f) }
func (l Logger) Warn(msg string, f livecache.Fields)  { l.log(logrus.WarnLevel, msg, f) }
func (l Logger) Error(msg string, f livecache.Fields) { l.log(logrus.ErrorLevel, msg, f) }

func (l Logger) log(lvl logrus.Level, msg string, f livecache.Fields) {
	if !l.E.Logger.IsLevelEnabled(lvl) {
		return
	}
	e := l.E
	if err, ok := f["err"].(error); ok {
		e = e.WithError(err)
	}
	fields := make(logrus.Fields, len(f))
	for k, v := range f {
		if k != "err" {
			fields[k] = v
		}
	}
	e.WithFields(fields).Log(lvl, msg)
}
