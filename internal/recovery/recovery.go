// Package recovery keeps goroutine panics from killing a wrapped session.
//
// The runtime spans several bridge goroutines (PTY reader and writer, relay
// receiver, terminal reader). A panic in any one of them must not take the
// child process down with it: it is counted, logged with its stack, and
// contained here.
package recovery

import (
	"log/slog"
	"runtime/debug"

	"github.com/klaas-sh/klaas/internal/metrics"
)

// RecoverWithLog contains a panic in the named goroutine. Deferred at the
// top of every bridge goroutine; the goroutine ends, the session survives.
func RecoverWithLog(logger *slog.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	metrics.PanicsTotal.WithLabelValues(name).Inc()
	logger.Error("goroutine panicked",
		"goroutine", name,
		"panic", r,
		"stack", string(debug.Stack()))
}

// RecoverWithCleanup contains a panic long enough to run cleanup, then
// re-panics. The session loop defers this with the terminal restore so a
// crash never strands the user's terminal in raw mode.
func RecoverWithCleanup(logger *slog.Logger, name string, cleanup func()) {
	r := recover()
	if r == nil {
		return
	}
	if cleanup != nil {
		cleanup()
	}
	metrics.PanicsTotal.WithLabelValues(name).Inc()
	logger.Error("goroutine panicked",
		"goroutine", name,
		"panic", r,
		"stack", string(debug.Stack()))
	panic(r)
}
