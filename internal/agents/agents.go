// Package agents defines the catalog of wrappable terminal agents and their
// detection.
package agents

import (
	"fmt"
	"os/exec"
	"sort"

	"github.com/klaas-sh/klaas/internal/config"
)

// HooksType identifies the hook callback convention an agent supports.
type HooksType string

const (
	HooksClaude HooksType = "claude"
	HooksGemini HooksType = "gemini"
	HooksCodex  HooksType = "codex"
	HooksNone   HooksType = "none"
)

// Agent describes one wrappable program.
type Agent struct {
	// ID is the stable identifier used with --agent.
	ID string
	// Name is the human-readable name.
	Name string
	// Command is the binary to execute.
	Command string
	// Detect lists alternative binary names checked for installation.
	Detect []string
	// HooksType selects the hook callback convention.
	HooksType HooksType
	// Shell marks plain shells that get the branded prompt treatment.
	Shell bool
	// Args are default arguments prepended before user args.
	Args []string
	// Shortcut is the single-letter key for interactive selection.
	Shortcut rune
}

// Installed reports whether the agent's binary is on PATH.
func (a Agent) Installed() bool {
	if _, err := exec.LookPath(a.Command); err == nil {
		return true
	}
	for _, alt := range a.Detect {
		if _, err := exec.LookPath(alt); err == nil {
			return true
		}
	}
	return false
}

// SupportsHooks reports whether the agent emits hook callbacks.
func (a Agent) SupportsHooks() bool {
	return a.HooksType != HooksNone && a.HooksType != ""
}

// builtins is the default agent catalog.
var builtins = []Agent{
	{ID: "claude", Name: "Claude Code", Command: "claude", HooksType: HooksClaude, Shortcut: 'C'},
	{ID: "gemini", Name: "Gemini CLI", Command: "gemini", HooksType: HooksGemini, Shortcut: 'G'},
	{ID: "codex", Name: "Codex CLI", Command: "codex", HooksType: HooksCodex, Shortcut: 'X'},
	{ID: "aider", Name: "Aider", Command: "aider", HooksType: HooksNone, Shortcut: 'A'},
	{ID: "zsh", Name: "Zsh", Command: "zsh", HooksType: HooksNone, Shell: true, Shortcut: 'Z'},
	{ID: "bash", Name: "Bash", Command: "bash", HooksType: HooksNone, Shell: true, Shortcut: 'B'},
}

// Registry is the merged agent catalog: built-ins plus config additions,
// filtered by only/also lists.
type Registry struct {
	agents map[string]Agent
	order  []string
}

// NewRegistry builds the catalog from built-ins and the loaded config.
func NewRegistry(cfg *config.File) *Registry {
	r := &Registry{agents: make(map[string]Agent)}

	include := func(a Agent) {
		if _, ok := r.agents[a.ID]; !ok {
			r.order = append(r.order, a.ID)
		}
		r.agents[a.ID] = a
	}

	custom := make(map[string]Agent)
	for id, ac := range cfg.Agents {
		custom[id] = fromConfig(id, ac)
	}

	switch {
	case len(cfg.Only) > 0:
		for _, id := range cfg.Only {
			if a, ok := custom[id]; ok {
				include(a)
				continue
			}
			if a, ok := findBuiltin(id); ok {
				include(a)
			}
		}
	default:
		for _, a := range builtins {
			include(a)
		}
		for _, id := range cfg.Also {
			if a, ok := custom[id]; ok {
				include(a)
			}
		}
	}
	return r
}

func findBuiltin(id string) (Agent, bool) {
	for _, a := range builtins {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

func fromConfig(id string, ac config.AgentConfig) Agent {
	hooks := HooksType(ac.HooksType)
	switch hooks {
	case HooksClaude, HooksGemini, HooksCodex:
	default:
		hooks = HooksNone
	}

	detect := ac.Detect
	if len(detect) == 0 {
		detect = []string{ac.Command}
	}

	var shortcut rune
	if ac.Shortcut != "" {
		shortcut = []rune(ac.Shortcut)[0]
	}

	return Agent{
		ID:        id,
		Name:      ac.Name,
		Command:   ac.Command,
		Detect:    detect,
		HooksType: hooks,
		Shell:     ac.Shell,
		Args:      ac.Args,
		Shortcut:  shortcut,
	}
}

// Get returns the agent with the given ID.
func (r *Registry) Get(id string) (Agent, error) {
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("unknown agent %q", id)
	}
	return a, nil
}

// All returns every agent in catalog order.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Installed returns the installed agents, sorted by ID for stable output.
func (r *Registry) Installed() []Agent {
	var out []Agent
	for _, a := range r.All() {
		if a.Installed() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Default resolves the agent to run: the explicit ID when given, otherwise
// the configured default, otherwise the built-in default.
func (r *Registry) Default(explicitID string, cfg *config.File) (Agent, error) {
	if explicitID != "" {
		return r.Get(explicitID)
	}
	if cfg.DefaultAgent != "" {
		return r.Get(cfg.DefaultAgent)
	}
	return r.Get(config.DefaultAgent)
}
