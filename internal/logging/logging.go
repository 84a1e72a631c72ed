// Package logging configures structured logging for the klaas CLI.
//
// A wrapped session owns the terminal: anything printed to stderr while the
// child holds the screen corrupts its output. Session-mode commands
// therefore log to a file under the cache directory (NewSessionLogger);
// stderr logging (NewLogger) is reserved for subcommands that never enter
// raw mode.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// levelNames maps accepted KLAAS_LOG_LEVEL values. "off" and "none"
// disable logging entirely.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

const sessionLogFileName = "klaas.log"

// NewLogger creates a stderr logger for subcommands that do not wrap a
// terminal. Levels: debug, info (default), warn, error, off. Formats: text
// (default), json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, enabled := parseLevel(level)
	if !enabled {
		return NopLogger()
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewSessionLogger creates the logger for commands that take the terminal
// into raw mode. Output goes to the session log file, never stderr. The
// returned closer flushes the file; call it after the terminal is restored.
// When the file cannot be opened the logger is silent rather than risking
// writes into the child's screen.
func NewSessionLogger(level, format string) (*slog.Logger, func()) {
	if _, enabled := parseLevel(level); !enabled {
		return NopLogger(), func() {}
	}

	path := SessionLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NopLogger(), func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return NopLogger(), func() {}
	}

	return NewLoggerWithWriter(level, format, f), func() { f.Close() }
}

// SessionLogPath returns the session log file location. The cache dir is
// resolved here rather than through internal/config so this package stays a
// leaf.
func SessionLogPath() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", sessionLogFileName)
	}
	return filepath.Join(base, "klaas", sessionLogFileName)
}

// parseLevel resolves a level name. Unknown or empty names default to info;
// the second return is false when logging is switched off.
func parseLevel(level string) (slog.Level, bool) {
	name := strings.ToLower(strings.TrimSpace(level))
	switch name {
	case "off", "none":
		return 0, false
	case "":
		return slog.LevelInfo, true
	}
	if lvl, ok := levelNames[name]; ok {
		return lvl, true
	}
	return slog.LevelInfo, true
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent tags a child logger for one subsystem, so session log lines
// can be filtered by origin (relay, session, pty, ...).
func WithComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(KeyComponent, name)
}

// Common attribute keys for consistent logging.
const (
	KeySessionID = "session_id"
	KeyDeviceID  = "device_id"
	KeyAgent     = "agent"
	KeyState     = "state"
	KeyAttempt   = "attempt"
	KeyError     = "error"
	KeyComponent = "component"
	KeyURL       = "url"
	KeyDuration  = "duration"
	KeyCount     = "count"
)

// DebugDumpEnv names the environment variable that, when set to a file path,
// enables a per-chunk dump of raw PTY output for debugging escape-sequence
// issues.
const DebugDumpEnv = "KLAAS_DEBUG_LOG"

// NewDebugDump opens the PTY output dump file named by KLAAS_DEBUG_LOG.
// Returns nil when the variable is unset or the file cannot be opened.
func NewDebugDump() io.WriteCloser {
	path := os.Getenv(DebugDumpEnv)
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil
	}
	return f
}
