package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/crypto"
	"github.com/klaas-sh/klaas/internal/metrics"
)

// wsReadLimit caps inbound frame size.
const wsReadLimit = 16 * 1024 * 1024

// receiveTimeout is the receive loop's idle poll interval while no attached
// connection is installed; reads on a live connection block without it.
const receiveTimeout = 10 * time.Millisecond

// handshakeTimeout bounds the wait for the server's session_attach ack.
const handshakeTimeout = 10 * time.Second

// ErrNotConnected is returned for sends attempted with no live socket.
var ErrNotConnected = errors.New("not connected")

// ErrNoMEK is returned when a host transport is built without encryption
// material. The host refuses to stream without E2EE.
var ErrNoMEK = errors.New("no master encryption key")

// TokenFunc supplies a bearer token, refreshing it first when force is set.
type TokenFunc func(ctx context.Context, force bool) (string, error)

// HostOptions configure a host transport.
type HostOptions struct {
	WSURL      string
	SessionID  string
	DeviceID   string
	DeviceName string
	CWD        string
	// Name is the optional session name, announced in session_attach.
	Name string

	// InputMode policy metadata advertised to the relay.
	InputMode     config.InputMode
	IdleTimeoutMS int

	// MEK is the device master key; the session key is derived from it.
	MEK *crypto.SecretKey

	// Token supplies bearer tokens for the WebSocket handshake.
	Token TokenFunc

	Logger *slog.Logger
}

// Host is the host-side relay transport. All terminal output leaving the
// device is encrypted under the session key; the outgoing queue buffers
// output while not Attached.
type Host struct {
	opts HostOptions

	// keyMu guards the cached session key, which is invalidated whenever
	// the MEK changes.
	keyMu      sync.Mutex
	mek        *crypto.SecretKey
	sessionKey *crypto.SecretKey

	// connMu guards the connection pointer; writeMu serializes frame writes
	// so the receive loop and senders never contend on the socket itself.
	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	state stateAtom
	queue *messageQueue

	// Inbound delivers decoded server frames to the session loop.
	Inbound chan *Message
}

// NewHost creates a host transport. A missing MEK is refused: streaming
// without E2EE is not supported.
func NewHost(opts HostOptions) (*Host, error) {
	if opts.MEK == nil {
		return nil, ErrNoMEK
	}
	if opts.Token == nil {
		return nil, fmt.Errorf("token source is required")
	}
	return &Host{
		opts:    opts,
		mek:     opts.MEK,
		queue:   newMessageQueue(),
		Inbound: make(chan *Message, 64),
	}, nil
}

// State returns the current connection state.
func (h *Host) State() ConnectionState {
	return h.state.Load()
}

// SetState overrides the connection state. The session runtime uses this to
// flip into Reconnecting when it decides to drive a new cycle.
func (h *Host) SetState(s ConnectionState) {
	h.state.Store(s)
}

// SetMEK replaces the master key and invalidates the cached session key.
func (h *Host) SetMEK(mek *crypto.SecretKey) {
	h.keyMu.Lock()
	defer h.keyMu.Unlock()
	h.mek = mek
	if h.sessionKey != nil {
		h.sessionKey.Close()
		h.sessionKey = nil
	}
}

// getSessionKey returns the cached session key, deriving it on first use.
func (h *Host) getSessionKey() (*crypto.SecretKey, error) {
	h.keyMu.Lock()
	defer h.keyMu.Unlock()

	if h.sessionKey != nil {
		return h.sessionKey, nil
	}
	if h.mek == nil {
		return nil, ErrNoMEK
	}
	key, err := crypto.DeriveSessionKey(h.mek, h.opts.SessionID)
	if err != nil {
		return nil, err
	}
	h.sessionKey = key
	return key, nil
}

// buildURL assembles the WebSocket URL with the identification query.
func (h *Host) buildURL() (string, error) {
	u, err := url.Parse(h.opts.WSURL)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", h.opts.SessionID)
	q.Set("device_id", h.opts.DeviceID)
	q.Set("device_name", h.opts.DeviceName)
	q.Set("cwd", h.opts.CWD)
	q.Set("client", "host")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the relay, performs the session_attach handshake, and drains
// the queued messages. The state becomes Attached only after the server's
// first non-error frame acknowledges the attach. With forceRefresh set the
// bearer token is refreshed before dialing.
func (h *Host) Connect(ctx context.Context, forceRefresh bool) error {
	if h.state.Load() == Detached {
		h.state.Store(Connecting)
	}

	token, err := h.opts.Token(ctx, forceRefresh)
	if err != nil {
		h.state.Store(Detached)
		return fmt.Errorf("obtain token: %w", err)
	}

	wsURL, err := h.buildURL()
	if err != nil {
		h.state.Store(Detached)
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	h.connMu.Lock()
	if h.conn != nil {
		h.conn.Close(websocket.StatusNormalClosure, "superseded")
	}
	h.conn = conn
	h.connMu.Unlock()

	attach := &Message{
		Type:          TypeSessionAttach,
		SessionID:     h.opts.SessionID,
		DeviceID:      h.opts.DeviceID,
		DeviceName:    h.opts.DeviceName,
		CWD:           h.opts.CWD,
		Name:          h.opts.Name,
		InputMode:     string(h.opts.InputMode),
		IdleTimeoutMS: h.opts.IdleTimeoutMS,
	}
	if err := h.writeMessage(ctx, conn, attach); err != nil {
		conn.Close(websocket.StatusInternalError, "attach failed")
		return fmt.Errorf("send session_attach: %w", err)
	}

	// The first non-error frame after session_attach completes the
	// handshake; an error frame rejects it.
	ack, err := h.readMessage(ctx, conn, handshakeTimeout)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "no attach ack")
		return fmt.Errorf("await attach ack: %w", err)
	}
	if ack.Type == TypeError {
		conn.Close(websocket.StatusNormalClosure, "attach rejected")
		return fmt.Errorf("attach rejected: %s: %s", ack.Code, ack.Message)
	}

	h.state.Store(Attached)
	h.opts.Logger.Debug("attached to relay", "session_id", h.opts.SessionID)

	// The ack frame may itself carry content (e.g. a pending prompt).
	h.dispatch(ack)

	for _, msg := range h.queue.Drain() {
		if err := h.writeMessage(ctx, conn, msg); err != nil {
			// Requeue and let the reconnect cycle retry.
			h.queue.Push(msg)
			h.state.Store(Reconnecting)
			return fmt.Errorf("drain queue: %w", err)
		}
	}
	return nil
}

// SendOutput encrypts raw PTY output under the session key and sends it, or
// queues it while not Attached.
func (h *Host) SendOutput(ctx context.Context, raw []byte) error {
	key, err := h.getSessionKey()
	if err != nil {
		return err
	}
	env, err := crypto.EncryptContent(key, raw)
	if err != nil {
		return err
	}

	msg := &Message{
		Type:      TypeOutput,
		SessionID: h.opts.SessionID,
		Encrypted: env,
		Timestamp: now(),
	}

	if h.state.Load() != Attached {
		h.queue.Push(msg)
		return nil
	}

	if err := h.send(ctx, msg); err != nil {
		h.queue.Push(msg)
		h.state.CompareAndSwap(Attached, Reconnecting)
		return nil
	}
	metrics.RelayBytesTotal.WithLabelValues(metrics.DirectionOut).Add(float64(len(raw)))
	return nil
}

// SendPong answers a server application-level ping.
func (h *Host) SendPong(ctx context.Context) error {
	return h.send(ctx, &Message{Type: TypePong})
}

// SendDetach announces a clean close.
func (h *Host) SendDetach(ctx context.Context) error {
	return h.send(ctx, &Message{Type: TypeSessionDetach, SessionID: h.opts.SessionID})
}

// DecryptPrompt opens an incoming prompt envelope with the session key.
func (h *Host) DecryptPrompt(env *crypto.Envelope) ([]byte, error) {
	key, err := h.getSessionKey()
	if err != nil {
		return nil, err
	}
	return crypto.DecryptContent(key, env)
}

// ReceiveLoop reads server frames and pushes them into Inbound until ctx is
// cancelled. Reads block on the live connection; native WebSocket pings are
// answered by the library during Read. When the connection dies the state
// flips to Reconnecting and the loop idles until the session tick installs a
// fresh connection.
func (h *Host) ReceiveLoop(ctx context.Context) {
	for ctx.Err() == nil {
		h.connMu.Lock()
		conn := h.conn
		h.connMu.Unlock()

		if conn == nil || h.state.Load() != Attached {
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveTimeout):
			}
			continue
		}

		msg, err := h.readMessageBlocking(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Only the connection currently installed may flip the state;
			// a superseded connection's dying read must not disturb a
			// fresh attach.
			h.connMu.Lock()
			current := h.conn == conn
			h.connMu.Unlock()
			if current {
				h.opts.Logger.Debug("relay receive failed", "error", err)
				h.state.CompareAndSwap(Attached, Reconnecting)
			}
			continue
		}
		h.dispatch(msg)
	}
}

// dispatch routes one decoded frame to the session loop.
func (h *Host) dispatch(msg *Message) {
	switch msg.Type {
	case TypeResize:
		// Deliberately ignored: propagating remote dimensions would disrupt
		// the local terminal. Guests adapt to the host size instead.
		h.opts.Logger.Debug("ignoring remote resize", "cols", msg.Cols, "rows", msg.Rows)
		return
	case TypeError:
		h.opts.Logger.Warn("relay error", "code", msg.Code, "message", msg.Message)
		return
	case TypeSessionAttach:
		// Our own attach echoed back as ack carries nothing actionable.
		return
	}

	select {
	case h.Inbound <- msg:
	default:
		h.opts.Logger.Warn("inbound channel full, dropping frame", "type", msg.Type)
	}
}

// Close performs the graceful shutdown sequence: session_detach, socket
// close, state Detached.
func (h *Host) Close(ctx context.Context) {
	if h.state.Load() == Attached {
		if err := h.SendDetach(ctx); err != nil {
			h.opts.Logger.Debug("session_detach send failed", "error", err)
		}
	}

	h.connMu.Lock()
	conn := h.conn
	h.conn = nil
	h.connMu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	h.state.Store(Detached)

	h.keyMu.Lock()
	if h.sessionKey != nil {
		h.sessionKey.Close()
		h.sessionKey = nil
	}
	h.keyMu.Unlock()
}

// QueueLen reports the depth of the outgoing queue.
func (h *Host) QueueLen() int {
	return h.queue.Len()
}

// send writes one frame on the current connection.
func (h *Host) send(ctx context.Context, msg *Message) error {
	h.connMu.Lock()
	conn := h.conn
	h.connMu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return h.writeMessage(ctx, conn, msg)
}

func (h *Host) writeMessage(ctx context.Context, conn *websocket.Conn, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// readMessage reads one frame with a deadline. A timeout closes the
// connection, so this is only used for the handshake ack where failure
// abandons the connection anyway.
func (h *Host) readMessage(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (*Message, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.readFrame(readCtx, conn)
}

// readMessageBlocking reads one frame, blocking until data arrives, the
// connection dies, or ctx is cancelled.
func (h *Host) readMessageBlocking(ctx context.Context, conn *websocket.Conn) (*Message, error) {
	return h.readFrame(ctx, conn)
}

func (h *Host) readFrame(ctx context.Context, conn *websocket.Conn) (*Message, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RelayBytesTotal.WithLabelValues(metrics.DirectionIn).Add(float64(len(data)))
	return Decode(data)
}
