// Package glog adapts golang/glog to livecache.Logger. Debug lines are
// emitted at verbosity 2, so enable them with -v=2.
package glog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/unkn0wn-root/livecache"
)

var _ livecache.Logger = Logger{}

// Logger writes "[livecache] msg k=v ..." lines with keys sorted.
type Logger struct {
	// DebugLevel is the verbosity Debug lines need; 0 => 2.
	DebugLevel glog.Level
}

func (l Logger) Debug(msg string, f livecache.Fields) {
	lvl := l.DebugLevel
	if lvl == 0 {
		lvl = 2
	}
	if glog.V(lvl) {
		glog.InfoDepth(1, line(msg, f))
	}
}
func (l Logger) Info(msg string, f livecache.Fields)  { glog.InfoDepth(1, line(msg, f)) }
func (l Logger) Warn(msg string, f livecache.Fields)  { glog.WarningDepth(1, line(msg, f)) }
func (l Logger) Error(msg string, f livecache.Fields) { glog.ErrorDepth(1, line(msg, f)) }

func line(msg string, f livecache.Fields) string {
	var b strings.Builder
	b.WriteString("[livecache] ")
	b.WriteString(msg)
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, f[k])
	}
	return b.String()
}
