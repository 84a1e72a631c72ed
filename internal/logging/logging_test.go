package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_Levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"bogus", false, true}, // defaults to info
		{"off", false, false},
		{"none", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tt.level, "text", &buf)

			logger.Debug("debug message")
			logger.Info("info message")

			gotDebug := strings.Contains(buf.String(), "debug message")
			gotInfo := strings.Contains(buf.String(), "info message")

			if gotDebug != tt.wantDebug {
				t.Errorf("level %q: debug logged = %v, want %v", tt.level, gotDebug, tt.wantDebug)
			}
			if gotInfo != tt.wantInfo {
				t.Errorf("level %q: info logged = %v, want %v", tt.level, gotInfo, tt.wantInfo)
			}
		})
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("hello", KeySessionID, "01HQXK7V8G3N5M2R4P6T1W9Y0Z")

	out := buf.String()
	if !strings.HasPrefix(out, "{") {
		t.Errorf("expected JSON output, got %q", out)
	}
	if !strings.Contains(out, `"session_id"`) {
		t.Errorf("expected session_id attribute in %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		enabled bool
	}{
		{"WARNING", slog.LevelWarn, true},
		{" Error ", slog.LevelError, true},
		{"", slog.LevelInfo, true},
		{"garbage", slog.LevelInfo, true},
		{"off", 0, false},
		{"NONE", 0, false},
	}
	for _, tt := range tests {
		lvl, enabled := parseLevel(tt.in)
		if enabled != tt.enabled {
			t.Errorf("parseLevel(%q) enabled = %v, want %v", tt.in, enabled, tt.enabled)
		}
		if enabled && lvl != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, lvl, tt.want)
		}
	}
}

func TestNewSessionLogger_OffIsSilent(t *testing.T) {
	logger, closeLog := NewSessionLogger("off", "text")
	defer closeLog()
	// Must not panic and must accept all levels.
	logger.Debug("x")
	logger.Error("x")
}

func TestSessionLogPath_UnderKlaasDir(t *testing.T) {
	path := SessionLogPath()
	if !strings.Contains(path, "klaas") {
		t.Errorf("session log path %q not under a klaas dir", path)
	}
	if !strings.HasSuffix(path, sessionLogFileName) {
		t.Errorf("session log path %q missing file name", path)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(NewLoggerWithWriter("info", "json", &buf), "relay")

	logger.Info("connected")

	if !strings.Contains(buf.String(), `"component":"relay"`) {
		t.Errorf("component attribute missing: %q", buf.String())
	}
}

func TestNopLogger_DiscardsOutput(t *testing.T) {
	logger := NopLogger()
	logger.Debug("x")
	logger.Info("x")
	logger.Warn("x")
	logger.Error("x")
}
