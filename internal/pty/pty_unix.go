//go:build !windows

package pty

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Session is an active PTY with a spawned child. The master file handle is
// safe for one concurrent reader and one concurrent writer.
type Session struct {
	ptmx *os.File
	cmd  *exec.Cmd

	done     chan struct{}
	exitCode int

	// rcDir holds the temporary rc file for shell agents. It must outlive
	// the child, so it is removed only on Close.
	rcDir string

	mu     sync.Mutex
	closed bool
}

// Spawn opens a PTY pair sized to the current terminal and starts the child
// inside it, with the user's working directory as cwd and the session
// environment injected.
func Spawn(opts SpawnOptions) (*Session, error) {
	cmd := exec.Command(opts.Command, opts.Args...)

	if cwd, err := os.Getwd(); err == nil {
		cmd.Dir = cwd
	}

	env := opts.env()

	var rcDir string
	if opts.Shell {
		dir, shellEnv, shellArgs, err := prepareShellRC(opts.Command)
		if err == nil {
			rcDir = dir
			env = append(env, shellEnv...)
			cmd.Args = append(cmd.Args, shellArgs...)
		}
	}
	cmd.Env = env

	cols, rows := opts.size()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		if rcDir != "" {
			os.RemoveAll(rcDir)
		}
		return nil, spawnErr("failed to start %s: %v", opts.Command, err)
	}

	s := &Session{
		ptmx:     ptmx,
		cmd:      cmd,
		done:     make(chan struct{}),
		exitCode: -1,
		rcDir:    rcDir,
	}

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				s.exitCode = exitErr.ExitCode()
			}
		} else {
			s.exitCode = 0
		}
		s.mu.Unlock()
		close(s.done)
	}()

	return s, nil
}

// Read reads PTY output. Once the child has exited and the buffer drained it
// returns an error: io.EOF on some platforms, EIO on Linux.
func (s *Session) Read(p []byte) (int, error) {
	return s.ptmx.Read(p)
}

// Write sends input to the child.
func (s *Session) Write(p []byte) (int, error) {
	return s.ptmx.Write(p)
}

// Resize changes the PTY dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return ptyErr("resize failed: %v", err)
	}
	return nil
}

// TryWait reports the child's exit code without blocking. Returns nil while
// the child is still running.
func (s *Session) TryWait() *int {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		code := s.exitCode
		return &code
	default:
		return nil
	}
}

// Wait blocks until the child exits and returns its exit code.
func (s *Session) Wait() int {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Close closes the PTY master, kills the child if still running, and removes
// the shell rc directory.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.ptmx != nil {
		s.ptmx.Close()
	}

	select {
	case <-s.done:
	default:
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	}

	if s.rcDir != "" {
		os.RemoveAll(s.rcDir)
	}
}
