package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerHonoursLevel(testContext *testing.T) {
	testCases := []struct {
		level   string
		format  string
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{level: "debug", format: "json", enabled: zapcore.DebugLevel, muted: zapcore.DebugLevel - 1},
		{level: "", format: "", enabled: zapcore.InfoLevel, muted: zapcore.DebugLevel},
		{level: "warning", format: "console", enabled: zapcore.WarnLevel, muted: zapcore.InfoLevel},
		{level: "ERROR", format: "json", enabled: zapcore.ErrorLevel, muted: zapcore.WarnLevel},
	}
	for _, testCase := range testCases {
		logger, err := NewLogger(testCase.level, testCase.format)
		if err != nil {
			testContext.Fatalf("NewLogger(%q, %q) failed: %v", testCase.level, testCase.format, err)
		}
		core := logger.Core()
		if !core.Enabled(testCase.enabled) {
			testContext.Fatalf("expected %s to be enabled for level %q", testCase.enabled, testCase.level)
		}
		if core.Enabled(testCase.muted) {
			testContext.Fatalf("expected %s to be muted for level %q", testCase.muted, testCase.level)
		}
	}
}

func TestNewLoggerRejectsUnknownSettings(testContext *testing.T) {
	if _, err := NewLogger("verbose", "json"); err == nil {
		testContext.Fatalf("expected error for unknown level")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		testContext.Fatalf("expected error for unknown format")
	}
}
