package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).With("course", "course-v1:edX+Demo+1")

	l.Info("committed", "branch", "draft-branch")
	Printf{L: l}.Warningf("value log %d%%\n", 50)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["course"] != "course-v1:edX+Demo+1" || ctx["branch"] != "draft-branch" {
		t.Errorf("unexpected context %v", ctx)
	}
	if entries[1].Message != "value log 50%" || entries[1].Level != zapcore.WarnLevel {
		t.Errorf("unexpected printf entry %+v", entries[1])
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("ignored", "k", 1)
	if l.Enabled(zapcore.ErrorLevel) {
		t.Error("nop logger should not be enabled")
	}
}
