// Package session hosts the runtime event loop that composes the PTY, the
// local terminal, and the relay transport into one wrapped session.
package session

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/keycodec"
	"github.com/klaas-sh/klaas/internal/metrics"
	"github.com/klaas-sh/klaas/internal/pty"
	"github.com/klaas-sh/klaas/internal/recovery"
	"github.com/klaas-sh/klaas/internal/relay"
	"github.com/klaas-sh/klaas/internal/term"
	"github.com/klaas-sh/klaas/internal/ui"
)

// Channel capacities per the concurrency model: the two PTY bridges are
// generous, the inbound network channel modest, shutdown carries one code.
const (
	ptyOutputCap = 256
	ptyInputCap  = 256
)

// tickInterval paces terminal-event draining, reconnect driving, and status
// refresh.
const tickInterval = 10 * time.Millisecond

// statusRefresh limits how often the status line is repainted without a
// state change.
const statusRefresh = time.Second

// Options configure a host session.
type Options struct {
	// PTY is the spawned child session.
	PTY *pty.Session

	// Term is the local terminal, already in raw mode.
	Term *term.Manager

	// Host is the relay transport; nil runs the session offline.
	Host *relay.Host

	// DebugDump, when non-nil, receives a copy of all PTY output.
	DebugDump io.Writer

	Logger *slog.Logger
}

// Runtime is a running host session.
type Runtime struct {
	opts Options

	ptyOut   chan []byte
	ptyIn    chan []byte
	shutdown chan int

	// Reconnect bookkeeping, owned by the tick arm. The tick is the sole
	// driver of reconnection: after ReconnectMaxAttempts the visible state
	// drops to Detached, but fresh attempts continue at the capped backoff.
	attempt     int
	lastAttempt time.Time

	lastStatus      string
	lastStatusPaint time.Time
}

// New creates a session runtime.
func New(opts Options) *Runtime {
	return &Runtime{
		opts:     opts,
		ptyOut:   make(chan []byte, ptyOutputCap),
		ptyIn:    make(chan []byte, ptyInputCap),
		shutdown: make(chan int, 1),
	}
}

// Run drives the session until the child exits. Returns the child's exit
// code. Transport failures never terminate the child; the user keeps
// working locally while the tick retries in the background.
func (r *Runtime) Run(ctx context.Context) int {
	logger := r.opts.Logger

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readerDone := make(chan struct{})
	go r.readPTY(readerDone)
	go r.writePTY()

	if r.opts.Host != nil {
		go func() {
			defer recovery.RecoverWithLog(logger, "relayReceiver")
			r.opts.Host.ReceiveLoop(loopCtx)
		}()
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var inbound chan *relay.Message
	if r.opts.Host != nil {
		inbound = r.opts.Host.Inbound
	}

	exitCode := 0
loop:
	for {
		select {
		case out := <-r.ptyOut:
			r.handleOutput(loopCtx, out)

		case msg := <-inbound:
			r.handleInbound(loopCtx, msg)

		case code := <-r.shutdown:
			exitCode = code
			break loop

		case <-ticker.C:
			r.drainTerminalEvents()
			r.driveReconnect(loopCtx)
			r.refreshStatus(false)
		}
	}

	// Graceful shutdown, in order: stop forwarding, announce detach and
	// close the socket, stop the writer, join the reader, stop the
	// receiver.
	if r.opts.Host != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		r.opts.Host.Close(closeCtx)
		closeCancel()
	}
	close(r.ptyIn)
	for joined := false; !joined; {
		select {
		case <-r.ptyOut:
			// Discard trailing output so the reader can finish.
		case <-readerDone:
			joined = true
		}
	}
	cancel()

	logger.Info("session ended", "exit_code", exitCode)
	return exitCode
}

// readPTY bridges the blocking PTY read half onto the output channel.
// EOF means the child exited; the exit code travels over shutdown.
func (r *Runtime) readPTY(done chan struct{}) {
	defer close(done)
	defer recovery.RecoverWithLog(r.opts.Logger, "ptyReader")

	buf := make([]byte, 4096)
	for {
		n, err := r.opts.PTY.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			r.ptyOut <- out
		}
		if err != nil {
			code := r.opts.PTY.Wait()
			select {
			case r.shutdown <- code:
			default:
			}
			return
		}
	}
}

// writePTY bridges the input channel onto the blocking PTY write half.
// Exits when the channel closes or the PTY dies.
func (r *Runtime) writePTY() {
	defer recovery.RecoverWithLog(r.opts.Logger, "ptyWriter")

	for data := range r.ptyIn {
		if _, err := r.opts.PTY.Write(data); err != nil {
			r.opts.Logger.Debug("pty write failed", "error", err)
			return
		}
		metrics.PTYBytesTotal.WithLabelValues(metrics.DirectionIn).Add(float64(len(data)))
	}
}

// handleOutput mirrors PTY output to the local terminal and, when attached,
// streams it encrypted to the relay.
func (r *Runtime) handleOutput(ctx context.Context, out []byte) {
	if err := r.opts.Term.Write(out); err != nil {
		r.opts.Logger.Debug("terminal write failed", "error", err)
	}
	metrics.PTYBytesTotal.WithLabelValues(metrics.DirectionOut).Add(float64(len(out)))

	if r.opts.DebugDump != nil {
		r.opts.DebugDump.Write(out)
	}

	if r.opts.Host != nil {
		if err := r.opts.Host.SendOutput(ctx, out); err != nil {
			r.opts.Logger.Debug("relay send failed", "error", err)
		}
	}
}

// handleInbound processes one relay frame.
func (r *Runtime) handleInbound(ctx context.Context, msg *relay.Message) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case relay.TypePrompt:
		if msg.Encrypted == nil {
			return
		}
		plain, err := r.opts.Host.DecryptPrompt(msg.Encrypted)
		if err != nil {
			// Undecryptable messages are dropped; the session continues.
			r.opts.Logger.Warn("dropping undecryptable prompt", "error", err)
			return
		}
		r.sendToPTY(plain)

	case relay.TypePing:
		if err := r.opts.Host.SendPong(ctx); err != nil {
			r.opts.Logger.Debug("pong failed", "error", err)
		}

	default:
		r.opts.Logger.Debug("unhandled relay frame", "type", msg.Type)
	}
}

// drainTerminalEvents empties the terminal event queue: keys become PTY
// input through the codec, pastes are bracketed, resizes propagate to the
// child. Ctrl-C is forwarded as 0x03, never interpreted by the wrapper.
func (r *Runtime) drainTerminalEvents() {
	for {
		ev := r.opts.Term.PollEvent(0)
		if ev == nil {
			return
		}
		switch e := ev.(type) {
		case term.KeyEvent:
			if bytes := keycodec.Encode(e.Event); len(bytes) > 0 {
				r.sendToPTY(bytes)
			}
		case term.PasteEvent:
			r.sendToPTY(keycodec.EncodePaste(e.Text))
		case term.ResizeEvent:
			if err := r.opts.PTY.Resize(e.Cols, e.Rows); err != nil {
				r.opts.Logger.Debug("pty resize failed", "error", err)
			}
		}
	}
}

// sendToPTY queues bytes for the writer thread without blocking the loop.
func (r *Runtime) sendToPTY(data []byte) {
	select {
	case r.ptyIn <- data:
	default:
		r.opts.Logger.Warn("pty input channel full, dropping input", "bytes", len(data))
	}
}

// driveReconnect initiates reconnect attempts from the tick arm, keyed off
// the last-attempt instant and the exponential backoff. Attempts past the
// max drop the visible state to Detached but keep retrying at the capped
// delay.
func (r *Runtime) driveReconnect(ctx context.Context) {
	host := r.opts.Host
	if host == nil {
		return
	}

	state := host.State()
	if state == relay.Attached {
		if r.attempt > 0 {
			r.attempt = 0
			r.lastAttempt = time.Time{}
		}
		return
	}
	// Reconnecting starts a cycle; a cycle already in flight (attempt > 0)
	// keeps going through Connecting and past the Detached drop.
	if state != relay.Reconnecting && r.attempt == 0 {
		return
	}

	delayAttempt := r.attempt + 1
	if delayAttempt > config.ReconnectMaxAttempts {
		delayAttempt = config.ReconnectMaxAttempts
	}
	if !r.lastAttempt.IsZero() && time.Since(r.lastAttempt) < relay.BackoffDelay(delayAttempt) {
		return
	}

	r.attempt++
	r.lastAttempt = time.Now()

	// The first retry reuses the current token; later ones force a refresh
	// before dialing fresh.
	force := r.attempt > 1
	if err := host.Connect(ctx, force); err != nil {
		metrics.ReconnectsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		r.opts.Logger.Debug("reconnect attempt failed",
			"attempt", r.attempt, "error", err)
		if r.attempt >= config.ReconnectMaxAttempts {
			host.SetState(relay.Detached)
		}
		return
	}

	metrics.ReconnectsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	r.opts.Logger.Info("reconnected to relay", "attempt", r.attempt)
	r.attempt = 0
	r.lastAttempt = time.Time{}
}

// refreshStatus repaints the status line on state change or about once per
// second.
func (r *Runtime) refreshStatus(force bool) {
	var state string
	if r.opts.Host == nil {
		state = relay.Detached.String()
	} else {
		state = r.opts.Host.State().String()
	}

	line := ui.StatusLine(state)
	if !force && line == r.lastStatus && time.Since(r.lastStatusPaint) < statusRefresh {
		return
	}
	r.lastStatus = line
	r.lastStatusPaint = time.Now()
	r.opts.Term.DrawStatusLine(line)
}
