package zap

import (
	"errors"
	"testing"

	"github.com/unkn0wn-root/livecache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(zap.New(core))

	l.Debug("hidden", livecache.Fields{"key": "k"})
	l.Warn("persist failed", livecache.Fields{"key": "k", "err": errors.New("boom")})

	if logs.Len() != 1 {
		t.Fatalf("entries = %d, want 1", logs.Len())
	}
	e := logs.All()[0]
	if e.LoggerName != "livecache" || e.Message != "persist failed" {
		t.Fatalf("entry = %+v", e.Entry)
	}
	ctx := e.ContextMap()
	if ctx["key"] != "k" || ctx["err"] != "boom" {
		t.Fatalf("fields = %v", ctx)
	}
}
