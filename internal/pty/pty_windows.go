//go:build windows

package pty

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/conpty"
	"golang.org/x/sys/windows"
)

// Session is an active ConPTY with a spawned child. The ConPTY pipes are
// safe for one concurrent reader and one concurrent writer.
type Session struct {
	cpty    *conpty.ConPty
	process windows.Handle

	done     chan struct{}
	exitCode int

	mu           sync.Mutex
	closed       bool
	cptyClosed   bool
	handleClosed bool
}

// Spawn creates a ConPTY sized to the current terminal and starts the child
// inside it, with the user's working directory as cwd and the session
// environment injected. Shell prompt branding is a no-op on Windows: the rc
// mechanism is zsh/bash-specific.
func Spawn(opts SpawnOptions) (*Session, error) {
	cols, rows := opts.size()

	cpty, err := conpty.New(int(cols), int(rows), 0)
	if err != nil {
		return nil, spawnErr("failed to create ConPTY: %v", err)
	}

	procAttr := &syscall.ProcAttr{Env: opts.env()}
	if cwd, err := os.Getwd(); err == nil {
		procAttr.Dir = cwd
	}

	_, handle, err := cpty.Spawn(opts.Command, opts.Args, procAttr)
	if err != nil {
		cpty.Close()
		return nil, spawnErr("failed to spawn %s: %v", opts.Command, err)
	}

	s := &Session{
		cpty:     cpty,
		process:  windows.Handle(handle),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	go func() {
		windows.WaitForSingleObject(s.process, windows.INFINITE)

		s.mu.Lock()
		var code uint32
		if err := windows.GetExitCodeProcess(s.process, &code); err == nil {
			s.exitCode = int(code)
		}
		// Close the ConPTY so a blocked Read observes EOF. The process
		// handle stays open until Close so the exit code remains readable.
		if !s.closed && !s.cptyClosed {
			s.cpty.Close()
			s.cptyClosed = true
		}
		s.mu.Unlock()

		close(s.done)
	}()

	return s, nil
}

// Read reads ConPTY output. Once the child has exited and the pipes are
// closed, reads fail, which the session runtime treats as EOF.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ptyErr("session is closed")
	}
	s.mu.Unlock()
	return s.cpty.Read(p)
}

// Write sends input to the child.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ptyErr("session is closed")
	}
	s.mu.Unlock()
	return s.cpty.Write(p)
}

// Resize changes the ConPTY dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ptyErr("session is closed")
	}
	s.mu.Unlock()

	if err := s.cpty.Resize(int(cols), int(rows)); err != nil {
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

// Close closes the ConPTY, terminates the child if still running, and
// releases the process handle.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if !s.cptyClosed {
		s.cpty.Close()
		s.cptyClosed = true
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	default:
		s.mu.Lock()
		if !s.handleClosed {
			windows.TerminateProcess(s.process, 1)
		}
		s.mu.Unlock()

		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			// Give up waiting; the handle close below still proceeds.
		}
	}

	s.mu.Lock()
	if !s.handleClosed {
		windows.CloseHandle(s.process)
		s.handleClosed = true
	}
	s.mu.Unlock()
}
