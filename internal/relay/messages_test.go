package relay

import (
	"strings"
	"testing"

	"github.com/klaas-sh/klaas/internal/crypto"
)

func TestEncodeDecode_Output(t *testing.T) {
	msg := &Message{
		Type:      TypeOutput,
		SessionID: "01HQXK7V8G3N5M2R4P6T1W9Y0Z",
		Encrypted: &crypto.Envelope{V: 1, Nonce: "bm9uY2U=", Ciphertext: "Y3Q=", Tag: "dGFn"},
		Timestamp: "2026-08-01T12:00:00Z",
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"type":"output"`) {
		t.Errorf("frame missing type: %s", data)
	}
	if !strings.Contains(string(data), `"v":1`) {
		t.Errorf("frame missing envelope version: %s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Type != TypeOutput || got.SessionID != msg.SessionID {
		t.Errorf("round trip = %+v", got)
	}
	if got.Encrypted == nil || got.Encrypted.Nonce != "bm9uY2U=" {
		t.Errorf("envelope lost: %+v", got.Encrypted)
	}
}

func TestDecode_History(t *testing.T) {
	frame := `{"type":"history","entries":[` +
		`{"encrypted":{"v":1,"nonce":"YQ==","ciphertext":"Yg==","tag":"Yw=="},"timestamp":"t1"},` +
		`{"encrypted":{"v":1,"nonce":"ZA==","ciphertext":"ZQ==","tag":"Zg=="},"timestamp":"t2"}]}`

	msg, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type != TypeHistory || len(msg.Entries) != 2 {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Entries[0].Timestamp != "t1" || msg.Entries[1].Timestamp != "t2" {
		t.Errorf("entries out of order: %+v", msg.Entries)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := Decode([]byte(`{"session_id":"x"}`)); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestDecode_SessionInfoAndModeChange(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"session_info","cols":120,"rows":40,"device_name":"laptop"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Cols != 120 || msg.Rows != 40 || msg.DeviceName != "laptop" {
		t.Errorf("session_info = %+v", msg)
	}

	msg, err = Decode([]byte(`{"type":"mode_change","mode":"host-only","message":"host locked input"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Mode != "host-only" || msg.Message != "host locked input" {
		t.Errorf("mode_change = %+v", msg)
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		s    ConnectionState
		want string
	}{
		{Detached, "detached"},
		{Connecting, "connecting"},
		{Attached, "attached"},
		{Reconnecting, "reconnecting"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
