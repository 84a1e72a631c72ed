// Package config provides compile-time defaults and TOML file overrides for
// the klaas CLI.
//
// Configuration sources, in order of precedence:
//  1. Project-level config: ./.klaas/config.toml
//  2. User-level config: ~/.klaas/config.toml
//  3. Built-in defaults
//
// With KLAAS_DEV set, the CLI talks to localhost:8787 for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Default API base URL for remote services (production).
const DefaultAPIURLProd = "https://api.klaas.sh"

// Default API base URL for local development.
const DefaultAPIURLDev = "http://localhost:8787"

// Default WebSocket URL for real-time communication (production).
const DefaultWSURLProd = "wss://api.klaas.sh/ws"

// Default WebSocket URL for local development.
const DefaultWSURLDev = "ws://localhost:8787/ws"

// KeychainService is the keychain service name for credential storage.
const KeychainService = "sh.klaas.cli"

// Reconnection parameters.
const (
	// ReconnectBaseDelay is the base delay for exponential backoff.
	ReconnectBaseDelay = 500 * time.Millisecond

	// ReconnectMaxDelay caps the backoff delay.
	ReconnectMaxDelay = 30 * time.Second

	// ReconnectMaxAttempts bounds a single reconnect cycle. After a failed
	// cycle the state drops to Detached and the runtime tick starts a fresh
	// cycle; there is no hard stop.
	ReconnectMaxAttempts = 10

	// ReconnectJitter is the random jitter added to each backoff delay.
	ReconnectJitter = 1000 * time.Millisecond
)

// Outgoing message queue bounds.
const (
	// MessageQueueMaxSize is the maximum number of queued messages.
	MessageQueueMaxSize = 100

	// MessageQueueMaxAge is the maximum age of a queued message.
	MessageQueueMaxAge = 5 * time.Minute
)

// Terminal defaults when size detection fails.
const (
	DefaultTerminalCols = 80
	DefaultTerminalRows = 24
)

// DefaultAgent is the agent command used when no config selects one.
const DefaultAgent = "claude"

// Environment variables injected into the spawned child.
const (
	EnvSessionID = "KLAAS_SESSION_ID"
	EnvAPIURL    = "KLAAS_API_URL"
	EnvHookToken = "KLAAS_HOOK_TOKEN"
)

// EnvDev switches the URL pair to local development endpoints when set.
const EnvDev = "KLAAS_DEV"

const (
	projectConfigDir = ".klaas"
	configFileName   = "config.toml"
)

// InputMode is the relay-advertised input policy. The host enforces nothing
// locally; the relay and guests interpret it.
type InputMode string

const (
	// InputModeHostOnly blocks all guest input.
	InputModeHostOnly InputMode = "host-only"

	// InputModeAutoLock grants input to one writer at a time, released after
	// an idle timeout.
	InputModeAutoLock InputMode = "auto-lock"

	// InputModeFreeForAll lets any guest inject input at any time.
	InputModeFreeForAll InputMode = "free-for-all"
)

// DefaultIdleTimeout governs auto-lock release.
const DefaultIdleTimeout = 1500 * time.Millisecond

// APIURL returns the API base URL for this build environment.
func APIURL() string {
	if os.Getenv(EnvDev) != "" {
		return DefaultAPIURLDev
	}
	return DefaultAPIURLProd
}

// WSURL returns the WebSocket URL for this build environment.
func WSURL() string {
	if os.Getenv(EnvDev) != "" {
		return DefaultWSURLDev
	}
	return DefaultWSURLProd
}

// File is the TOML configuration file structure.
type File struct {
	// DefaultAgent selects the agent used when multiple are available.
	DefaultAgent string `toml:"default_agent"`

	// Only restricts the agent list to these IDs. Mutually exclusive with Also.
	Only []string `toml:"only"`

	// Also adds these custom agent IDs alongside built-in ones.
	Also []string `toml:"also"`

	// Agents holds custom agent definitions keyed by ID.
	Agents map[string]AgentConfig `toml:"agents"`

	// Input configures the relay-advertised input policy.
	Input InputConfig `toml:"input"`

	// Notifications configures hook-driven notifications.
	Notifications NotificationConfig `toml:"notifications"`
}

// AgentConfig is a custom agent definition from TOML.
type AgentConfig struct {
	Command   string   `toml:"command"`
	Name      string   `toml:"name"`
	Detect    []string `toml:"detect"`
	Shell     bool     `toml:"shell"`
	Args      []string `toml:"args"`
	HooksType string   `toml:"hooks_type"`
	Shortcut  string   `toml:"shortcut"`
}

// InputConfig carries the input-mode policy advertised to the relay.
type InputConfig struct {
	Mode          string `toml:"mode"`
	IdleTimeoutMS int    `toml:"idle_timeout_ms"`
}

// NotificationConfig controls hook notifications.
type NotificationConfig struct {
	Enabled bool     `toml:"enabled"`
	Events  []string `toml:"events"`
}

// ModeOrDefault returns the validated input mode, defaulting to auto-lock.
func (c *InputConfig) ModeOrDefault() InputMode {
	switch InputMode(c.Mode) {
	case InputModeHostOnly, InputModeAutoLock, InputModeFreeForAll:
		return InputMode(c.Mode)
	default:
		return InputModeAutoLock
	}
}

// IdleTimeout returns the configured auto-lock idle timeout.
func (c *InputConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutMS > 0 {
		return time.Duration(c.IdleTimeoutMS) * time.Millisecond
	}
	return DefaultIdleTimeout
}

// Validate rejects contradictory settings.
func (f *File) Validate() error {
	if len(f.Only) > 0 && len(f.Also) > 0 {
		return fmt.Errorf("config: 'only' and 'also' are mutually exclusive")
	}
	return nil
}

// Load reads configuration, checking the project-level file first, then the
// user-level file. Missing files yield defaults; malformed files are skipped
// with a warning.
func Load(logger *slog.Logger) *File {
	if cfg := loadFrom(projectConfigPath(), logger); cfg != nil {
		logger.Debug("loaded project-level config")
		return cfg
	}
	if cfg := loadFrom(userConfigPath(), logger); cfg != nil {
		logger.Debug("loaded user-level config")
		return cfg
	}
	return &File{}
}

func loadFrom(path string, logger *slog.Logger) *File {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var cfg File
	if err := toml.Unmarshal(data, &cfg); err != nil {
		logger.Warn("ignoring malformed config file", "path", path, "error", err)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("ignoring invalid config file", "path", path, "error", err)
		return nil
	}
	return &cfg
}

func projectConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, projectConfigDir, configFileName)
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, projectConfigDir, configFileName)
}

// ConfigDir returns the platform config directory for klaas state
// (credentials fallback file).
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(base, "klaas"), nil
}

// CacheDir returns the platform cache directory for klaas state
// (update-check cache).
func CacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate cache dir: %w", err)
	}
	return filepath.Join(base, "klaas"), nil
}

// DataDir returns the platform data directory for klaas state
// (install marker).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home dir: %w", err)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "klaas"), nil
	}
	return filepath.Join(home, ".local", "share", "klaas"), nil
}
