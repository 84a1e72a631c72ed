// Package pty manages the pseudo-terminal hosting the wrapped agent.
package pty

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/klaas-sh/klaas/internal/config"
)

// ErrSpawn wraps failures to start the child process.
var ErrSpawn = errors.New("spawn error")

// ErrPTY wraps PTY I/O failures. All of them are fatal to the session.
var ErrPTY = errors.New("pty error")

// SpawnOptions configure the child process.
type SpawnOptions struct {
	// Command is the agent binary, argv[0].
	Command string

	// Args are passed verbatim after the command.
	Args []string

	// SessionID is injected as KLAAS_SESSION_ID.
	SessionID string

	// APIURL is injected as KLAAS_API_URL.
	APIURL string

	// HookToken, when non-empty, is injected as KLAAS_HOOK_TOKEN.
	HookToken string

	// ExtraEnv entries ("KEY=VALUE") are appended after the standard set.
	ExtraEnv []string

	// Shell marks the agent as a plain shell (zsh/bash); the spawner then
	// injects a branded prompt via a temporary rc file.
	Shell bool

	// Cols and Rows size the PTY. Zero means detect from the current
	// terminal, falling back to 80x24.
	Cols uint16
	Rows uint16
}

// env assembles the child environment: the parent's environment extended
// with the session correlation variables and caller extras.
func (o *SpawnOptions) env() []string {
	env := os.Environ()
	env = append(env, config.EnvSessionID+"="+o.SessionID)
	env = append(env, config.EnvAPIURL+"="+o.APIURL)
	if o.HookToken != "" {
		env = append(env, config.EnvHookToken+"="+o.HookToken)
	}
	env = append(env, o.ExtraEnv...)
	return env
}

// size returns the requested PTY size, detecting the controlling terminal
// when unspecified.
func (o *SpawnOptions) size() (cols, rows uint16) {
	if o.Cols > 0 && o.Rows > 0 {
		return o.Cols, o.Rows
	}
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && h > 0 {
		return uint16(w), uint16(h)
	}
	return config.DefaultTerminalCols, config.DefaultTerminalRows
}

func spawnErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSpawn, fmt.Sprintf(format, args...))
}

func ptyErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPTY, fmt.Sprintf(format, args...))
}
