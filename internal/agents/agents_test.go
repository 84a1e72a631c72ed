package agents

import (
	"testing"

	"github.com/klaas-sh/klaas/internal/config"
)

func TestNewRegistry_Builtins(t *testing.T) {
	r := NewRegistry(&config.File{})

	for _, id := range []string{"claude", "gemini", "codex", "zsh", "bash"} {
		if _, err := r.Get(id); err != nil {
			t.Errorf("builtin %q missing: %v", id, err)
		}
	}

	zsh, _ := r.Get("zsh")
	if !zsh.Shell {
		t.Error("zsh should be marked as shell")
	}
	claude, _ := r.Get("claude")
	if claude.HooksType != HooksClaude || !claude.SupportsHooks() {
		t.Errorf("claude hooks = %q", claude.HooksType)
	}
}

func TestNewRegistry_Also(t *testing.T) {
	cfg := &config.File{
		Also: []string{"mytool"},
		Agents: map[string]config.AgentConfig{
			"mytool": {Command: "mytool", Name: "My Tool", Args: []string{"--flag"}},
		},
	}
	r := NewRegistry(cfg)

	a, err := r.Get("mytool")
	if err != nil {
		t.Fatalf("custom agent missing: %v", err)
	}
	if a.Command != "mytool" || len(a.Args) != 1 {
		t.Errorf("agent = %+v", a)
	}
	if a.HooksType != HooksNone {
		t.Errorf("hooks = %q, want none", a.HooksType)
	}
	// Built-ins are still present.
	if _, err := r.Get("claude"); err != nil {
		t.Error("builtins dropped when also is used")
	}
}

func TestNewRegistry_Only(t *testing.T) {
	cfg := &config.File{Only: []string{"claude", "zsh"}}
	r := NewRegistry(cfg)

	if got := len(r.All()); got != 2 {
		t.Errorf("catalog size = %d, want 2", got)
	}
	if _, err := r.Get("gemini"); err == nil {
		t.Error("gemini should be filtered out by only")
	}
}

func TestDefault_Resolution(t *testing.T) {
	r := NewRegistry(&config.File{})

	a, err := r.Default("zsh", &config.File{})
	if err != nil || a.ID != "zsh" {
		t.Errorf("explicit id: %v %v", a.ID, err)
	}

	a, err = r.Default("", &config.File{DefaultAgent: "gemini"})
	if err != nil || a.ID != "gemini" {
		t.Errorf("config default: %v %v", a.ID, err)
	}

	a, err = r.Default("", &config.File{})
	if err != nil || a.ID != config.DefaultAgent {
		t.Errorf("builtin default: %v %v", a.ID, err)
	}

	if _, err := r.Default("nope", &config.File{}); err == nil {
		t.Error("unknown agent should error")
	}
}

func TestInstalled_DetectsShell(t *testing.T) {
	r := NewRegistry(&config.File{})
	// sh-family shells exist in any test environment; at least one of
	// bash/zsh should resolve on PATH.
	bash, _ := r.Get("bash")
	zsh, _ := r.Get("zsh")
	if !bash.Installed() && !zsh.Installed() {
		t.Skip("no shell on PATH")
	}
}
