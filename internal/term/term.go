// Package term manages the local terminal: raw-mode lifecycle with bracketed
// paste, non-blocking event polling, raw writes, and the status line.
package term

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/keycodec"
	"github.com/klaas-sh/klaas/internal/recovery"
)

// Event is a decoded terminal event: KeyEvent, PasteEvent, or ResizeEvent.
type Event interface {
	isEvent()
}

// KeyEvent is a single key press.
type KeyEvent struct {
	keycodec.Event
}

// PasteEvent carries the payload of a bracketed paste. Text may be empty.
type PasteEvent struct {
	Text string
}

// ResizeEvent reports new terminal dimensions.
type ResizeEvent struct {
	Cols uint16
	Rows uint16
}

func (KeyEvent) isEvent()    {}
func (PasteEvent) isEvent()  {}
func (ResizeEvent) isEvent() {}

// Bracketed paste control sequences. Entering raw mode enables paste
// bracketing; exiting disables it.
const (
	enableBracketedPaste  = "\x1b[?2004h"
	disableBracketedPaste = "\x1b[?2004l"
)

// Manager owns the terminal state. Raw mode is idempotent and always
// restored on Restore, including across panics when paired with
// recovery.RecoverWithCleanup.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	oldState *term.State

	events  chan Event
	resizes chan ResizeEvent
	stop    chan struct{}
	started bool
}

// NewManager creates a terminal manager. Call EnterRaw before polling events.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:  logger,
		events:  make(chan Event, 64),
		resizes: make(chan ResizeEvent, 4),
		stop:    make(chan struct{}),
	}
}

// EnterRaw switches stdin to raw mode, enables bracketed paste, and starts
// the background input reader. Calling it twice is a no-op.
func (m *Manager) EnterRaw() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.oldState != nil {
		return nil
	}

	state, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	m.oldState = state

	os.Stdout.WriteString(enableBracketedPaste)

	if !m.started {
		m.started = true
		go m.readLoop()
		m.notifyResize()
	}
	return nil
}

// Restore leaves raw mode and disables bracketed paste. Safe to call from
// any exit path, any number of times.
func (m *Manager) Restore() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.oldState == nil {
		return
	}
	os.Stdout.WriteString(disableBracketedPaste)
	if err := term.Restore(int(os.Stdin.Fd()), m.oldState); err != nil {
		m.logger.Warn("failed to restore terminal", "error", err)
	}
	m.oldState = nil
}

// IsRaw reports whether the manager currently holds the terminal in raw mode.
func (m *Manager) IsRaw() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oldState != nil
}

// PollEvent returns the next terminal event, or nil if none arrives within
// the timeout. A zero timeout polls without waiting.
func (m *Manager) PollEvent(timeout time.Duration) Event {
	if timeout <= 0 {
		select {
		case ev := <-m.events:
			return ev
		case ev := <-m.resizes:
			return ev
		default:
			return nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-m.events:
		return ev
	case ev := <-m.resizes:
		return ev
	case <-timer.C:
		return nil
	}
}

// Write sends raw bytes to stdout unbuffered.
func (m *Manager) Write(p []byte) error {
	if _, err := os.Stdout.Write(p); err != nil {
		return fmt.Errorf("terminal write: %w", err)
	}
	return nil
}

// WriteLine writes a message with raw-mode-safe line endings.
func (m *Manager) WriteLine(msg string) error {
	return m.Write([]byte("\r\n" + msg + "\r\n"))
}

// Size returns the current terminal dimensions, falling back to 80x24.
func (m *Manager) Size() (cols, rows uint16) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return config.DefaultTerminalCols, config.DefaultTerminalRows
	}
	return uint16(w), uint16(h)
}

// DrawStatusLine paints s on the bottom terminal row: save cursor, move,
// clear, write (truncated to the width), restore, flush. Best-effort; the
// child may overdraw it.
func (m *Manager) DrawStatusLine(s string) {
	cols, rows := m.Size()
	if int(cols) > 0 && len(s) > int(cols) {
		s = s[:cols]
	}
	fmt.Fprintf(os.Stdout, "\x1b7\x1b[%d;1H\x1b[2K%s\x1b8", rows, s)
}

// readLoop pumps stdin through the input parser into the event channel.
func (m *Manager) readLoop() {
	defer recovery.RecoverWithLog(m.logger, "termReader")

	parser := newParser()
	buf := make([]byte, 4096)
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		n, err := os.Stdin.Read(buf)
		if n > 0 {
			for _, ev := range parser.feed(buf[:n]) {
				select {
				case m.events <- ev:
				case <-m.stop:
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Close stops the background reader and restores the terminal.
func (m *Manager) Close() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.Restore()
}
