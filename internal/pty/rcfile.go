//go:build !windows

package pty

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// branded prompt shown when wrapping a plain shell.
const brandedPrompt = "klaas %~ %# "
const brandedPromptBash = `klaas \w \$ `

// prepareShellRC creates a temporary rc file that sources the user's real rc
// and then sets a branded prompt. Returns the temp directory (caller removes
// it after the child exits), extra environment entries, and extra argv.
func prepareShellRC(command string) (dir string, env []string, args []string, err error) {
	base := filepath.Base(command)
	switch {
	case strings.Contains(base, "zsh"):
		return prepareZshRC()
	case strings.Contains(base, "bash"):
		return prepareBashRC()
	default:
		return "", nil, nil, fmt.Errorf("not a shell agent: %s", base)
	}
}

func prepareZshRC() (string, []string, []string, error) {
	dir, err := os.MkdirTemp("", "klaas-zsh-*")
	if err != nil {
		return "", nil, nil, err
	}

	home, _ := os.UserHomeDir()
	var b strings.Builder
	if home != "" {
		fmt.Fprintf(&b, "[ -f %q ] && source %q\n", filepath.Join(home, ".zshrc"), filepath.Join(home, ".zshrc"))
	}
	fmt.Fprintf(&b, "PROMPT=%q\n", brandedPrompt)

	if err := os.WriteFile(filepath.Join(dir, ".zshrc"), []byte(b.String()), 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, nil, err
	}

	// ZDOTDIR points zsh at our rc directory.
	return dir, []string{"ZDOTDIR=" + dir}, nil, nil
}

func prepareBashRC() (string, []string, []string, error) {
	dir, err := os.MkdirTemp("", "klaas-bash-*")
	if err != nil {
		return "", nil, nil, err
	}

	home, _ := os.UserHomeDir()
	var b strings.Builder
	if home != "" {
		fmt.Fprintf(&b, "[ -f %q ] && source %q\n", filepath.Join(home, ".bashrc"), filepath.Join(home, ".bashrc"))
	}
	fmt.Fprintf(&b, "PS1=%q\n", brandedPromptBash)

	rcPath := filepath.Join(dir, "bashrc")
	if err := os.WriteFile(rcPath, []byte(b.String()), 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, nil, err
	}

	return dir, nil, []string{"--rcfile", rcPath}, nil
}
