package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/klaas-sh/klaas/internal/logging"
)

func TestURLPair_DevSwitch(t *testing.T) {
	t.Setenv(EnvDev, "")
	os.Unsetenv(EnvDev)
	if APIURL() != DefaultAPIURLProd {
		t.Errorf("APIURL() = %q, want prod", APIURL())
	}
	if WSURL() != DefaultWSURLProd {
		t.Errorf("WSURL() = %q, want prod", WSURL())
	}

	t.Setenv(EnvDev, "1")
	if APIURL() != DefaultAPIURLDev {
		t.Errorf("APIURL() = %q, want dev", APIURL())
	}
	if WSURL() != DefaultWSURLDev {
		t.Errorf("WSURL() = %q, want dev", WSURL())
	}
}

func TestInputConfig_Defaults(t *testing.T) {
	var c InputConfig
	if c.ModeOrDefault() != InputModeAutoLock {
		t.Errorf("default mode = %q, want auto-lock", c.ModeOrDefault())
	}
	if c.IdleTimeout() != DefaultIdleTimeout {
		t.Errorf("default idle timeout = %v, want %v", c.IdleTimeout(), DefaultIdleTimeout)
	}

	c = InputConfig{Mode: "free-for-all", IdleTimeoutMS: 3000}
	if c.ModeOrDefault() != InputModeFreeForAll {
		t.Errorf("mode = %q", c.ModeOrDefault())
	}
	if c.IdleTimeout() != 3*time.Second {
		t.Errorf("idle timeout = %v", c.IdleTimeout())
	}

	c = InputConfig{Mode: "anarchy"}
	if c.ModeOrDefault() != InputModeAutoLock {
		t.Errorf("unknown mode should fall back to auto-lock, got %q", c.ModeOrDefault())
	}
}

func TestFile_Validate(t *testing.T) {
	f := &File{Only: []string{"claude"}, Also: []string{"gemini"}}
	if err := f.Validate(); err == nil {
		t.Error("expected only/also conflict error")
	}

	f = &File{Only: []string{"claude"}}
	if err := f.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFile_TOMLRoundTrip(t *testing.T) {
	src := `
default_agent = "gemini"
also = ["aider"]

[agents.aider]
command = "aider"
name = "Aider"
detect = ["aider"]
args = ["--no-auto-commits"]
hooks_type = "none"

[input]
mode = "host-only"
idle_timeout_ms = 2000

[notifications]
enabled = true
events = ["permission_request"]
`
	var cfg File
	if err := toml.Unmarshal([]byte(src), &cfg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if cfg.DefaultAgent != "gemini" {
		t.Errorf("DefaultAgent = %q", cfg.DefaultAgent)
	}
	agent, ok := cfg.Agents["aider"]
	if !ok {
		t.Fatal("custom agent missing")
	}
	if agent.Command != "aider" || len(agent.Args) != 1 {
		t.Errorf("agent parsed wrong: %+v", agent)
	}
	if cfg.Input.ModeOrDefault() != InputModeHostOnly {
		t.Errorf("input mode = %q", cfg.Input.ModeOrDefault())
	}
	if !cfg.Notifications.Enabled {
		t.Error("notifications should be enabled")
	}
}

func TestLoad_ProjectOverridesUser(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, projectConfigDir), 0o755); err != nil {
		t.Fatal(err)
	}
	content := []byte("default_agent = \"codex\"\n")
	if err := os.WriteFile(filepath.Join(dir, projectConfigDir, configFileName), content, 0o644); err != nil {
		t.Fatal(err)
	}

	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(orig) })

	cfg := Load(logging.NopLogger())
	if cfg.DefaultAgent != "codex" {
		t.Errorf("DefaultAgent = %q, want codex", cfg.DefaultAgent)
	}
}

func TestLoad_MalformedFileSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, projectConfigDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, projectConfigDir, configFileName), []byte("not [valid toml"), 0o644); err != nil {
		t.Fatal(err)
	}

	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(orig) })

	cfg := Load(logging.NopLogger())
	if cfg.DefaultAgent != "" {
		t.Errorf("malformed config should yield defaults, got %+v", cfg)
	}
}
