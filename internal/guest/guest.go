// Package guest implements the viewer mode: it attaches to a remote session
// through the relay, replays history, mirrors live output, and sends
// line-buffered encrypted prompts.
package guest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klaas-sh/klaas/internal/crypto"
	"github.com/klaas-sh/klaas/internal/keycodec"
	"github.com/klaas-sh/klaas/internal/recovery"
	"github.com/klaas-sh/klaas/internal/relay"
	"github.com/klaas-sh/klaas/internal/term"
	"github.com/klaas-sh/klaas/internal/ui"
)

// tickInterval paces local keyboard polling.
const tickInterval = 10 * time.Millisecond

// Transport is the relay connection the viewer consumes. *relay.Guest
// implements it.
type Transport interface {
	Read(ctx context.Context) (*relay.Message, error)
	SendPrompt(ctx context.Context, text string) error
	SendPong(ctx context.Context) error
	Decrypt(env *crypto.Envelope) ([]byte, error)
}

// Options configure a guest session.
type Options struct {
	Guest  Transport
	Term   *term.Manager
	Logger *slog.Logger
}

// Run consumes the session until the host detaches or the user quits with
// Ctrl-Q. The caller has already connected the transport and entered raw
// mode.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger

	frames := make(chan *relay.Message, 64)
	readErr := make(chan error, 1)

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	go func() {
		defer recovery.RecoverWithLog(logger, "guestReader")
		for {
			msg, err := opts.Guest.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-readCtx.Done():
				return
			}
		}
	}()

	// Keystrokes accumulate locally and flush on Enter as one encrypted
	// prompt, so the relay never sees per-key editing activity.
	var input strings.Builder

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("connection lost: %w", err)

		case msg := <-frames:
			done, err := handleFrame(ctx, opts, msg)
			if err != nil {
				logger.Warn("frame handling failed", "type", msg.Type, "error", err)
			}
			if done {
				return nil
			}

		case <-ticker.C:
			quit, err := drainInput(ctx, opts, &input)
			if err != nil {
				logger.Debug("prompt send failed", "error", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handleFrame processes one server frame. Returns done=true when the
// session is over.
func handleFrame(ctx context.Context, opts Options, msg *relay.Message) (bool, error) {
	switch msg.Type {
	case relay.TypeSessionInfo:
		opts.Term.WriteLine(fmt.Sprintf("connected · host terminal %dx%d", msg.Cols, msg.Rows))
		return false, nil

	case relay.TypeHistory:
		// Replay in order; undecryptable entries are skipped, not fatal.
		for _, entry := range msg.Entries {
			if entry.Encrypted == nil {
				continue
			}
			plain, err := opts.Guest.Decrypt(entry.Encrypted)
			if err != nil {
				opts.Logger.Warn("skipping undecryptable history entry", "error", err)
				continue
			}
			opts.Term.Write(plain)
		}
		return false, nil

	case relay.TypeEncryptedOutput:
		if msg.Encrypted == nil {
			return false, nil
		}
		plain, err := opts.Guest.Decrypt(msg.Encrypted)
		if err != nil {
			opts.Logger.Warn("dropping undecryptable output", "error", err)
			return false, nil
		}
		return false, opts.Term.Write(plain)

	case relay.TypeModeChange:
		// Cursor-safe one-liner on the bottom row.
		opts.Term.DrawStatusLine(ui.ModeChangeNotice(msg.Mode, msg.Message))
		return false, nil

	case relay.TypeSessionDetached:
		reason := msg.Reason
		if reason == "" {
			reason = "host detached"
		}
		opts.Term.WriteLine("session ended: " + reason)
		return true, nil

	case relay.TypePing:
		return false, opts.Guest.SendPong(ctx)

	case relay.TypeError:
		opts.Logger.Warn("relay error", "code", msg.Code, "message", msg.Message)
		return false, nil

	default:
		opts.Logger.Debug("unhandled frame", "type", msg.Type)
		return false, nil
	}
}

// drainInput consumes pending keystrokes. Enter flushes the accumulator as
// one prompt; Ctrl-Q quits; Backspace edits locally.
func drainInput(ctx context.Context, opts Options, input *strings.Builder) (quit bool, err error) {
	for {
		ev := opts.Term.PollEvent(0)
		if ev == nil {
			return false, err
		}

		key, ok := ev.(term.KeyEvent)
		if !ok {
			continue
		}

		switch {
		case key.Key == keycodec.KeyRune && key.Ctrl && key.Rune == 'q':
			return true, err

		case key.Key == keycodec.KeyEnter:
			text := input.String() + "\n"
			input.Reset()
			opts.Term.Write([]byte("\r\n"))
			if sendErr := opts.Guest.SendPrompt(ctx, text); sendErr != nil {
				err = sendErr
			}

		case key.Key == keycodec.KeyBackspace:
			if input.Len() > 0 {
				s := input.String()
				_, size := utf8.DecodeLastRuneInString(s)
				input.Reset()
				input.WriteString(s[:len(s)-size])
				opts.Term.Write([]byte("\b \b"))
			}

		case key.Key == keycodec.KeyRune && !key.Ctrl:
			input.WriteRune(key.Rune)
			opts.Term.Write([]byte(string(key.Rune)))
		}
	}
}
