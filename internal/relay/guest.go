package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"nhooyr.io/websocket"

	"github.com/klaas-sh/klaas/internal/crypto"
	"github.com/klaas-sh/klaas/internal/metrics"
)

// GuestOptions configure a guest transport.
type GuestOptions struct {
	WSURL      string
	SessionID  string
	DeviceID   string
	DeviceName string

	// MEK must match the host's for the session key derivation to agree.
	MEK *crypto.SecretKey

	Token  TokenFunc
	Logger *slog.Logger
}

// Guest is the viewer-side relay transport. It consumes session info,
// history, and live output, and emits encrypted prompts.
type Guest struct {
	opts GuestOptions

	sessionKey *crypto.SecretKey
	keyOnce    sync.Once
	keyErr     error

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewGuest creates a guest transport. Like the host, a guest without the
// MEK cannot participate.
func NewGuest(opts GuestOptions) (*Guest, error) {
	if opts.MEK == nil {
		return nil, ErrNoMEK
	}
	if opts.Token == nil {
		return nil, fmt.Errorf("token source is required")
	}
	return &Guest{opts: opts}, nil
}

// Connect dials the relay with client=guest.
func (g *Guest) Connect(ctx context.Context) error {
	token, err := g.opts.Token(ctx, false)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}

	u, err := url.Parse(g.opts.WSURL)
	if err != nil {
		return fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", g.opts.SessionID)
	q.Set("device_id", g.opts.DeviceID)
	q.Set("device_name", g.opts.DeviceName)
	q.Set("client", "guest")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	g.conn = conn
	return nil
}

// Read blocks for the next server frame.
func (g *Guest) Read(ctx context.Context) (*Message, error) {
	_, data, err := g.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RelayBytesTotal.WithLabelValues(metrics.DirectionIn).Add(float64(len(data)))
	return Decode(data)
}

// SendPrompt encrypts prompt text under the session key and sends it as one
// encrypted_prompt frame.
func (g *Guest) SendPrompt(ctx context.Context, text string) error {
	key, err := g.getSessionKey()
	if err != nil {
		return err
	}
	env, err := crypto.EncryptContent(key, []byte(text))
	if err != nil {
		return err
	}
	return g.send(ctx, &Message{
		Type:      TypeEncryptedPrompt,
		SessionID: g.opts.SessionID,
		Encrypted: env,
		Timestamp: now(),
	})
}

// SendPong answers an application-level ping.
func (g *Guest) SendPong(ctx context.Context) error {
	return g.send(ctx, &Message{Type: TypePong})
}

// Decrypt opens a history or live-output envelope.
func (g *Guest) Decrypt(env *crypto.Envelope) ([]byte, error) {
	key, err := g.getSessionKey()
	if err != nil {
		return nil, err
	}
	return crypto.DecryptContent(key, env)
}

// Close closes the socket.
func (g *Guest) Close() {
	if g.conn != nil {
		g.conn.Close(websocket.StatusNormalClosure, "guest left")
	}
	if g.sessionKey != nil {
		g.sessionKey.Close()
	}
}

func (g *Guest) getSessionKey() (*crypto.SecretKey, error) {
	g.keyOnce.Do(func() {
		g.sessionKey, g.keyErr = crypto.DeriveSessionKey(g.opts.MEK, g.opts.SessionID)
	})
	return g.sessionKey, g.keyErr
}

func (g *Guest) send(ctx context.Context, msg *Message) error {
	if g.conn == nil {
		return ErrNotConnected
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.RelayBytesTotal.WithLabelValues(metrics.DirectionOut).Add(float64(len(data)))
	return nil
}
