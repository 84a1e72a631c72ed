package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/crypto"
	"github.com/klaas-sh/klaas/internal/logging"
)

const testSessionID = "01HQXK7V8G3N5M2R4P6T1W9Y0Z"

func testMEK(t *testing.T) *crypto.SecretKey {
	t.Helper()
	mek, err := crypto.NewSecretKey(bytes.Repeat([]byte{0xAB}, crypto.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	return mek
}

func staticToken(token string) TokenFunc {
	return func(ctx context.Context, force bool) (string, error) {
		return token, nil
	}
}

// relayStub is a minimal in-process relay for handshake tests. It records
// received frames and acks session_attach.
type relayStub struct {
	t        *testing.T
	srv      *httptest.Server
	gotAuth  chan string
	gotQuery chan string
	frames   chan *Message
	conns    chan *websocket.Conn
}

func newRelayStub(t *testing.T) *relayStub {
	s := &relayStub{
		t:        t,
		gotAuth:  make(chan string, 4),
		gotQuery: make(chan string, 4),
		frames:   make(chan *Message, 64),
		conns:    make(chan *websocket.Conn, 4),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.gotAuth <- r.Header.Get("Authorization")
		s.gotQuery <- r.URL.RawQuery

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn

		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msg, err := Decode(data)
			if err != nil {
				continue
			}
			s.frames <- msg

			if msg.Type == TypeSessionAttach {
				ack, _ := json.Marshal(map[string]string{"type": "session_attach"})
				conn.Write(ctx, websocket.MessageText, ack)
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *relayStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *relayStub) nextFrame(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-s.frames:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func newTestHost(t *testing.T, stub *relayStub) *Host {
	t.Helper()
	h, err := NewHost(HostOptions{
		WSURL:      stub.wsURL(),
		SessionID:  testSessionID,
		DeviceID:   "01HQXK7V8G3N5M2R4P6T1W9Y0A",
		DeviceName: "test-host",
		CWD:        "/tmp/project",
		InputMode:  config.InputModeAutoLock,
		MEK:        testMEK(t),
		Token:      staticToken("jwt-token"),
		Logger:     logging.NopLogger(),
	})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	return h
}

func TestNewHost_RefusesWithoutMEK(t *testing.T) {
	_, err := NewHost(HostOptions{
		WSURL:  "ws://example",
		Token:  staticToken("t"),
		Logger: logging.NopLogger(),
	})
	if err != ErrNoMEK {
		t.Errorf("got %v, want ErrNoMEK", err)
	}
}

func TestConnect_HandshakeAndAuth(t *testing.T) {
	stub := newRelayStub(t)
	h := newTestHost(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.Connect(ctx, false); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer h.Close(ctx)

	if auth := <-stub.gotAuth; auth != "Bearer jwt-token" {
		t.Errorf("Authorization = %q", auth)
	}
	query := <-stub.gotQuery
	for _, want := range []string{"client=host", "session_id=" + testSessionID, "device_name=test-host"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %q", query, want)
		}
	}

	attach := stub.nextFrame(t)
	if attach.Type != TypeSessionAttach {
		t.Fatalf("first frame = %q, want session_attach", attach.Type)
	}
	if attach.InputMode != string(config.InputModeAutoLock) {
		t.Errorf("input_mode = %q", attach.InputMode)
	}

	// Attached only after the server ack.
	if h.State() != Attached {
		t.Errorf("state = %v, want Attached", h.State())
	}
}

func TestSendOutput_EncryptedRoundTrip(t *testing.T) {
	stub := newRelayStub(t)
	h := newTestHost(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.Connect(ctx, false); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer h.Close(ctx)
	stub.nextFrame(t) // session_attach

	if err := h.SendOutput(ctx, []byte("hello from pty")); err != nil {
		t.Fatalf("SendOutput() error = %v", err)
	}

	out := stub.nextFrame(t)
	if out.Type != TypeOutput {
		t.Fatalf("frame type = %q", out.Type)
	}
	if out.Encrypted == nil {
		t.Fatal("output frame not encrypted")
	}
	if out.Timestamp == "" {
		t.Error("output frame missing timestamp")
	}

	// The relay must not be able to read the plaintext, but a holder of the
	// session key must.
	key, err := crypto.DeriveSessionKey(testMEK(t), testSessionID)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := crypto.DecryptContent(key, out.Encrypted)
	if err != nil {
		t.Fatalf("decrypt with session key failed: %v", err)
	}
	if string(plain) != "hello from pty" {
		t.Errorf("plaintext = %q", plain)
	}
}

func TestSendOutput_QueuesWhenNotAttached(t *testing.T) {
	stub := newRelayStub(t)
	h := newTestHost(t, stub)

	ctx := context.Background()
	if err := h.SendOutput(ctx, []byte("queued-1")); err != nil {
		t.Fatalf("SendOutput() error = %v", err)
	}
	if err := h.SendOutput(ctx, []byte("queued-2")); err != nil {
		t.Fatalf("SendOutput() error = %v", err)
	}
	if h.QueueLen() != 2 {
		t.Fatalf("queue len = %d, want 2", h.QueueLen())
	}

	// Queued output drains in order on connect, before anything new.
	ctxT, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Connect(ctxT, false); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer h.Close(ctxT)
	stub.nextFrame(t) // session_attach

	key, err := crypto.DeriveSessionKey(testMEK(t), testSessionID)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"queued-1", "queued-2"} {
		frame := stub.nextFrame(t)
		plain, err := crypto.DecryptContent(key, frame.Encrypted)
		if err != nil {
			t.Fatal(err)
		}
		if string(plain) != want {
			t.Errorf("drained %q, want %q", plain, want)
		}
	}
	if h.QueueLen() != 0 {
		t.Errorf("queue not drained: %d", h.QueueLen())
	}
}

func TestDecryptPrompt(t *testing.T) {
	stub := newRelayStub(t)
	h := newTestHost(t, stub)

	key, err := crypto.DeriveSessionKey(testMEK(t), testSessionID)
	if err != nil {
		t.Fatal(err)
	}
	env, err := crypto.EncryptContent(key, []byte("hello\n"))
	if err != nil {
		t.Fatal(err)
	}

	plain, err := h.DecryptPrompt(env)
	if err != nil {
		t.Fatalf("DecryptPrompt() error = %v", err)
	}
	if string(plain) != "hello\n" {
		t.Errorf("prompt = %q", plain)
	}

	// A corrupted envelope is a dropped message, not a session failure.
	env.Tag = "AAAAAAAAAAAAAAAAAAAAAA=="
	if _, err := h.DecryptPrompt(env); err == nil {
		t.Error("expected error for corrupted prompt")
	}
}

func TestClose_SendsDetach(t *testing.T) {
	stub := newRelayStub(t)
	h := newTestHost(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Connect(ctx, false); err != nil {
		t.Fatal(err)
	}
	stub.nextFrame(t) // session_attach

	h.Close(ctx)

	detach := stub.nextFrame(t)
	if detach.Type != TypeSessionDetach {
		t.Errorf("frame = %q, want session_detach", detach.Type)
	}
	if h.State() != Detached {
		t.Errorf("state = %v, want Detached", h.State())
	}
}

func TestSetMEK_InvalidatesSessionKey(t *testing.T) {
	stub := newRelayStub(t)
	h := newTestHost(t, stub)

	k1, err := h.getSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	k1Copy := make([]byte, crypto.KeySize)
	copy(k1Copy, k1.Bytes())

	mek2, err := crypto.NewSecretKey(bytes.Repeat([]byte{0xCD}, crypto.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	h.SetMEK(mek2)

	k2, err := h.getSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1Copy, k2.Bytes()) {
		t.Error("session key not invalidated on MEK change")
	}
}
