// Package zap adapts a *zap.Logger to livecache.Logger.
package zap

import (
	"github.com/unkn0wn-root/livecache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ livecache.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New names the logger "livecache".
func New(l *zap.Logger) Logger { return Logger{L: l.Named("livecache")} }

func (z Logger) Debug(msg string, f livecache.Fields) { z.log(zapcore.DebugLevel, msg, f) }
func (z Logger) Info(msg string, f livecache.Fields)  { z.log(zapcore.InfoLevel, msg, f) }
func (z Logger) Warn(msg string, f livecache.Fields)  { z.log(zapcore.WarnLevel, msg, f) }
func (z Logger) Error(msg string, f livecache.Fields) { z.log(zapcore.ErrorLevel, msg, f) }

// log skips building fields for disabled levels; entries are logged per
// transport message.
func (z Logger) log(lvl zapcore.Level, msg string, f livecache.Fields) {
	ce := z.L.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(zf(f)...)
}

func zf(f livecache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
