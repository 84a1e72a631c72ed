// Package relay implements the WebSocket transport between the CLI and the
// cloud relay, for both host and guest roles: authenticated attach,
// encrypted output/prompt exchange, bounded message queuing, and
// exponential-backoff reconnection.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klaas-sh/klaas/internal/crypto"
)

// Message type identifiers on the wire. All frames are JSON text.
const (
	// Host outgoing.
	TypeSessionAttach = "session_attach"
	TypeOutput        = "output"
	TypePong          = "pong"
	TypeSessionDetach = "session_detach"

	// Host incoming.
	TypePrompt = "prompt"
	TypeResize = "resize"
	TypePing   = "ping"
	TypeError  = "error"

	// Guest outgoing.
	TypeEncryptedPrompt = "encrypted_prompt"

	// Guest incoming.
	TypeSessionInfo     = "session_info"
	TypeHistory         = "history"
	TypeEncryptedOutput = "encrypted_output"
	TypeModeChange      = "mode_change"
	TypeSessionDetached = "session_detached"
)

// Message is the wire frame. Fields are populated per type; the envelope
// version inside Encrypted is checked by the crypto layer.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// session_attach fields.
	DeviceID      string `json:"device_id,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	CWD           string `json:"cwd,omitempty"`
	Name          string `json:"name,omitempty"`
	InputMode     string `json:"input_mode,omitempty"`
	IdleTimeoutMS int    `json:"idle_timeout_ms,omitempty"`

	// Encrypted payload for output / prompt / encrypted_prompt /
	// encrypted_output.
	Encrypted *crypto.Envelope `json:"encrypted,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`

	// resize and session_info dimensions.
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// error fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// history entries.
	Entries []HistoryEntry `json:"entries,omitempty"`

	// mode_change fields.
	Mode string `json:"mode,omitempty"`

	// session_detached reason.
	Reason string `json:"reason,omitempty"`
}

// HistoryEntry is one replayed output frame in a history batch.
type HistoryEntry struct {
	Encrypted *crypto.Envelope `json:"encrypted"`
	Timestamp string           `json:"timestamp,omitempty"`
}

// Encode serializes a message to a JSON text frame.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a JSON text frame.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("decode message: missing type")
	}
	return &m, nil
}

// now formats the current instant as the wire timestamp (ISO-8601 / RFC 3339).
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
