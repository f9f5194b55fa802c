package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestToZapLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"DEBUG":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := toZapLevel(in); got != want {
			t.Errorf("toZapLevel(%q): want %v, got %v", in, want, got)
		}
	}
}

func TestNamedKeepsWrapper(t *testing.T) {
	t.Parallel()

	l := Nop().Named("scheduler")
	if l == nil || l.SugaredLogger == nil {
		t.Fatalf("expected a usable named logger")
	}
	l.Infow("smoke", "k", "v")
}
