package zap

import (
	"errors"
	"testing"

	"github.com/unkn0wn-root/leasecache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFieldsReachCore(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := ZapLogger{L: zap.New(core)}

	l.Debug("hidden", nil)
	l.Warn("sweep incomplete", leasecache.Fields{"removed": 3, "err": errors.New("boom")})

	if logs.Len() != 1 {
		t.Fatalf("entries=%d", logs.Len())
	}
	ctx := logs.All()[0].ContextMap()
	if ctx["removed"] != int64(3) || ctx["err"] != "boom" {
		t.Fatalf("ctx=%v", ctx)
	}
}

func TestNew(t *testing.T) {
	if _, err := New("debug", "console"); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("bad level accepted")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("bad format accepted")
	}
}
