package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"golang.org/x/crypto/hkdf"
	"pgregory.net/rapid"
)

func testMEK(t *testing.T, fill byte) *SecretKey {
	t.Helper()
	raw := bytes.Repeat([]byte{fill}, KeySize)
	mek, err := NewSecretKey(raw)
	if err != nil {
		t.Fatalf("NewSecretKey() error = %v", err)
	}
	return mek
}

func TestNewSecretKey_RejectsWrongSize(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewSecretKey(make([]byte, n)); err == nil {
			t.Errorf("NewSecretKey(%d bytes) expected error", n)
		}
	}
}

func TestSecretKey_CloseZeroes(t *testing.T) {
	mek := testMEK(t, 0xAB)
	mek.Close()
	for i, b := range mek.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d not zeroed after Close", i)
		}
	}
}

func TestDeriveSessionKey_Deterministic(t *testing.T) {
	mek := testMEK(t, 0xAB)
	const sessionID = "01HQXK7V8G3N5M2R4P6T1W9Y0Z"

	// Two devices holding the same MEK derive the same session key.
	k1, err := DeriveSessionKey(mek, sessionID)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	k2, err := DeriveSessionKey(mek, sessionID)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	if !k1.Equal(k2) {
		t.Error("session key derivation is not deterministic")
	}

	// A different session gets a different key.
	k3, err := DeriveSessionKey(mek, "01HQXK7V8G3N5M2R4P6T1W9Y0A")
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	if k1.Equal(k3) {
		t.Error("different session IDs produced identical keys")
	}

	// A different MEK gets a different key.
	other := testMEK(t, 0xCD)
	k4, err := DeriveSessionKey(other, sessionID)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	if k1.Equal(k4) {
		t.Error("different MEKs produced identical session keys")
	}
}

func TestEncryptDecryptContent_RoundTrip(t *testing.T) {
	mek := testMEK(t, 0xAB)
	key, err := DeriveSessionKey(mek, "01HQXK7V8G3N5M2R4P6T1W9Y0Z")
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}

	tests := [][]byte{
		[]byte("hello\n"),
		[]byte(""),
		[]byte{0x00, 0x1b, 0x5b, 0x41, 0xff},
		bytes.Repeat([]byte("terminal output "), 1024),
	}

	for _, plaintext := range tests {
		env, err := EncryptContent(key, plaintext)
		if err != nil {
			t.Fatalf("EncryptContent() error = %v", err)
		}
		if env.V != EnvelopeVersion {
			t.Errorf("envelope version = %d, want %d", env.V, EnvelopeVersion)
		}

		got, err := DecryptContent(key, env)
		if err != nil {
			t.Fatalf("DecryptContent() error = %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptContent_NonceIsUnique(t *testing.T) {
	key := testMEK(t, 0x01)
	e1, err := EncryptContent(key, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := EncryptContent(key, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if e1.Nonce == e2.Nonce {
		t.Error("two encryptions reused a nonce")
	}
}

func TestDecryptContent_WrongKeyFails(t *testing.T) {
	k1 := testMEK(t, 0xAB)
	k2 := testMEK(t, 0xCD)

	env, err := EncryptContent(k1, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := DecryptContent(k2, env); err != ErrCrypto {
		t.Errorf("DecryptContent with wrong key: got %v, want ErrCrypto", err)
	}
}

func TestDecryptContent_RejectsMalformed(t *testing.T) {
	key := testMEK(t, 0xAB)
	good, err := EncryptContent(key, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		env  *Envelope
	}{
		{"nil envelope", nil},
		{"unknown version", &Envelope{V: 2, Nonce: good.Nonce, Ciphertext: good.Ciphertext, Tag: good.Tag}},
		{"bad base64 nonce", &Envelope{V: 1, Nonce: "!!!", Ciphertext: good.Ciphertext, Tag: good.Tag}},
		{"short nonce", &Envelope{V: 1, Nonce: base64.StdEncoding.EncodeToString([]byte("short")), Ciphertext: good.Ciphertext, Tag: good.Tag}},
		{"bad base64 ciphertext", &Envelope{V: 1, Nonce: good.Nonce, Ciphertext: "%%%", Tag: good.Tag}},
		{"short tag", &Envelope{V: 1, Nonce: good.Nonce, Ciphertext: good.Ciphertext, Tag: base64.StdEncoding.EncodeToString([]byte("tiny"))}},
		{"truncated ciphertext", &Envelope{V: 1, Nonce: good.Nonce, Ciphertext: "", Tag: good.Tag}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecryptContent(key, tt.env); err != ErrCrypto {
				t.Errorf("got %v, want ErrCrypto", err)
			}
		})
	}
}

func TestDeriveKEK(t *testing.T) {
	password := []byte("correct horse battery staple")
	salt1 := bytes.Repeat([]byte{0x11}, SaltSize)
	salt2 := bytes.Repeat([]byte{0x22}, SaltSize)

	k1, err := DeriveKEK(password, salt1)
	if err != nil {
		t.Fatalf("DeriveKEK() error = %v", err)
	}
	k2, err := DeriveKEK(password, salt1)
	if err != nil {
		t.Fatalf("DeriveKEK() error = %v", err)
	}
	if !k1.Equal(k2) {
		t.Error("KEK derivation is not deterministic")
	}

	k3, err := DeriveKEK(password, salt2)
	if err != nil {
		t.Fatalf("DeriveKEK() error = %v", err)
	}
	if k1.Equal(k3) {
		t.Error("different salts produced identical KEKs")
	}

	if _, err := DeriveKEK(password, []byte("short")); err == nil {
		t.Error("expected error for wrong salt size")
	}
}

func TestMEKWrapUnwrap(t *testing.T) {
	mek, err := GenerateMEK()
	if err != nil {
		t.Fatalf("GenerateMEK() error = %v", err)
	}
	password := []byte("hunter2")

	stored, err := EncryptMEKWithKEK(password, mek)
	if err != nil {
		t.Fatalf("EncryptMEKWithKEK() error = %v", err)
	}

	got, err := DecryptMEKWithKEK(stored, password)
	if err != nil {
		t.Fatalf("DecryptMEKWithKEK() error = %v", err)
	}
	if !got.Equal(mek) {
		t.Error("unwrapped MEK does not match original")
	}

	if _, err := DecryptMEKWithKEK(stored, []byte("wrong")); err != ErrCrypto {
		t.Errorf("wrong password: got %v, want ErrCrypto", err)
	}

	stored.V = 9
	if _, err := DecryptMEKWithKEK(stored, password); err != ErrCrypto {
		t.Errorf("unknown version: got %v, want ErrCrypto", err)
	}
}

func TestPairing_RoundTrip(t *testing.T) {
	// The dashboard side mints a MEK and encrypts it for the CLI.
	cliPriv, cliPubRaw, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() error = %v", err)
	}
	if len(cliPubRaw) != 65 {
		t.Fatalf("public key length = %d, want 65 (uncompressed SEC1)", len(cliPubRaw))
	}

	dashPriv, dashPubRaw, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() error = %v", err)
	}

	mek, err := GenerateMEK()
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the dashboard: same ECDH + HKDF derivation, then seal.
	env := sealForPairing(t, dashPriv, cliPubRaw, mek.Bytes())

	got, err := DecryptMEKFromPairing(cliPriv, dashPubRaw, env)
	if err != nil {
		t.Fatalf("DecryptMEKFromPairing() error = %v", err)
	}
	if !got.Equal(mek) {
		t.Error("pairing-unwrapped MEK does not match")
	}

	// A different keypair cannot unwrap.
	otherPriv, _, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptMEKFromPairing(otherPriv, dashPubRaw, env); err != ErrCrypto {
		t.Errorf("foreign private key: got %v, want ErrCrypto", err)
	}

	// Garbage public key is an opaque crypto error.
	if _, err := DecryptMEKFromPairing(cliPriv, []byte("not a point"), env); err != ErrCrypto {
		t.Errorf("malformed public key: got %v, want ErrCrypto", err)
	}
}

// sealForPairing reproduces the dashboard's side of the pairing exchange:
// ECDH with the CLI's public key, HKDF with the pairing context, AEAD-seal
// the raw MEK.
func sealForPairing(t *testing.T, dashPriv *ecdh.PrivateKey, cliPubRaw []byte, mekRaw []byte) *PairingEnvelope {
	t.Helper()

	cliPub, err := ecdh.P256().NewPublicKey(cliPubRaw)
	if err != nil {
		t.Fatalf("parse CLI public key: %v", err)
	}
	shared, err := dashPriv.ECDH(cliPub)
	if err != nil {
		t.Fatalf("ECDH: %v", err)
	}

	reader := hkdf.New(sha256.New, shared, nil, []byte(pairingKeyInfo))
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, raw); err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	pairingKey, err := NewSecretKey(raw)
	if err != nil {
		t.Fatal(err)
	}

	env, err := EncryptContent(pairingKey, mekRaw)
	if err != nil {
		t.Fatalf("seal MEK: %v", err)
	}
	return &PairingEnvelope{
		V:            env.V,
		Nonce:        env.Nonce,
		EncryptedMEK: env.Ciphertext,
		Tag:          env.Tag,
	}
}

func TestSessionContent_CrossDevice(t *testing.T) {
	// Device A encrypts, device B (same MEK) decrypts.
	mekA := testMEK(t, 0x5A)
	mekB := testMEK(t, 0x5A)
	const sessionID = "01HQXK7V8G3N5M2R4P6T1W9Y0Z"

	keyA, err := DeriveSessionKey(mekA, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := DeriveSessionKey(mekB, sessionID)
	if err != nil {
		t.Fatal(err)
	}

	env, err := EncryptContent(keyA, []byte("ls -la\n"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptContent(keyB, env)
	if err != nil {
		t.Fatalf("cross-device decrypt failed: %v", err)
	}
	if string(got) != "ls -la\n" {
		t.Errorf("got %q", got)
	}
}

func TestEnvelope_Properties(t *testing.T) {
	mek := testMEK(t, 0x77)
	key, err := DeriveSessionKey(mek, "01HQXK7V8G3N5M2R4P6T1W9Y0Z")
	if err != nil {
		t.Fatal(err)
	}

	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "plaintext")

		env, err := EncryptContent(key, plaintext)
		if err != nil {
			t.Fatalf("EncryptContent() error = %v", err)
		}

		got, err := DecryptContent(key, env)
		if err != nil {
			t.Fatalf("DecryptContent() error = %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch for %d bytes", len(plaintext))
		}

		// Flipping any ciphertext byte must fail authentication.
		if env.Ciphertext != "" {
			raw, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
			if len(raw) > 0 {
				idx := rapid.IntRange(0, len(raw)-1).Draw(t, "flip")
				raw[idx] ^= 0xFF
				tampered := *env
				tampered.Ciphertext = base64.StdEncoding.EncodeToString(raw)
				if _, err := DecryptContent(key, &tampered); err != ErrCrypto {
					t.Fatalf("tampered ciphertext accepted")
				}
			}
		}
	})
}

func TestSessionKeyInfo_IncludesSessionID(t *testing.T) {
	// Guard against the derivation context drifting away from the wire
	// contract other devices rely on.
	if !strings.HasPrefix(sessionKeyInfo, "klaas-session-v1:") {
		t.Errorf("unexpected session key info prefix %q", sessionKeyInfo)
	}
	if pairingKeyInfo != "klaas-pairing-v1" {
		t.Errorf("unexpected pairing key info %q", pairingKeyInfo)
	}
}
