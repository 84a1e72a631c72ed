//go:build !windows

package term

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// notifyResize forwards SIGWINCH as ResizeEvents.
func (m *Manager) notifyResize() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGWINCH)

	go func() {
		for {
			select {
			case <-m.stop:
				signal.Stop(sigCh)
				return
			case <-sigCh:
				cols, rows := m.Size()
				select {
				case m.resizes <- ResizeEvent{Cols: cols, Rows: rows}:
				default:
					// A pending resize is already queued; the latest size
					// will be re-read when it is handled.
				}
			}
		}
	}()
}
