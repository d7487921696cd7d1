package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	if err := Init(&Config{Level: "debug", Encoding: "json"}); err != nil {
		t.Fatal(err)
	}
	if Log == nil || Sugar == nil {
		t.Fatal("global loggers not set")
	}
	if !Log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level not enabled")
	}
}

func TestInitBadLevelFallsBack(t *testing.T) {
	if err := Init(&Config{Level: "nonsense"}); err != nil {
		t.Fatal(err)
	}
	if Log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug enabled, want info fallback")
	}
}
