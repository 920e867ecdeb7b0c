package plog

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestPlogLevels(t *testing.T) {
	var logBuf bytes.Buffer
	SetOutput(&logBuf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	t.Run("Logs all levels when level is Debug", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelDebug)

		Debug("debug message", "key", "val1")
		Info("info message", "key", "val2")
		Warn("warn message")

		output := logBuf.String()
		if !strings.Contains(output, "level=DEBUG msg=\"debug message\" key=val1") {
			t.Errorf("expected debug message to be logged, got: %s", output)
		}
		if !strings.Contains(output, "level=INFO msg=\"info message\" key=val2") {
			t.Errorf("expected info message to be logged, got: %s", output)
		}
		if !strings.Contains(output, "level=WARN msg=\"warn message\"") {
			t.Errorf("expected warn message to be logged, got: %s", output)
		}
	})

	t.Run("Suppresses lower levels when level is Warn", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelWarn)

		Debug("debug message")
		Notice("notice message")
		Info("info message")

		if out := logBuf.String(); out != "" {
			t.Errorf("expected no output below warn level, got: %s", out)
		}
	})

	t.Run("Notice is named and sits above Debug", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelNotice)

		Debug("debug message")
		Notice("notice message", "path", "/tmp/x")

		output := logBuf.String()
		if strings.Contains(output, "level=DEBUG") {
			t.Errorf("expected debug to be suppressed at notice level, got: %s", output)
		}
		if !strings.Contains(output, "level=NOTICE msg=\"notice message\" path=/tmp/x") {
			t.Errorf("expected notice message, got: %s", output)
		}
	})

	t.Run("Quiet mode hides info but keeps warnings", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelInfo)
		SetQuiet(true)
		defer SetQuiet(false)

		Info("hidden")
		Warn("shown")

		output := logBuf.String()
		if strings.Contains(output, "hidden") {
			t.Errorf("expected info to be suppressed in quiet mode, got: %s", output)
		}
		if !strings.Contains(output, "shown") {
			t.Errorf("expected warning in quiet mode, got: %s", output)
		}
	})
}

func TestLevelFromString(t *testing.T) {
	testCases := map[string]interface{}{
		"debug":   LevelDebug,
		"NOTICE":  LevelNotice,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range testCases {
		if got := LevelFromString(in); got != want {
			t.Errorf("LevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}
