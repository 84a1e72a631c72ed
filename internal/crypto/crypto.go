// Package crypto implements the end-to-end encryption envelope for session
// data: Argon2id for passphrase → KEK derivation, HKDF-SHA256 for MEK →
// session-key derivation, AES-256-GCM for content encryption, and ECDH P-256
// for first-device pairing.
//
// All keys are 256 bits (32 bytes) and live in zero-on-close containers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of all symmetric keys in bytes.
	KeySize = 32

	// NonceSize is the size of AES-GCM nonces in bytes.
	NonceSize = 12

	// TagSize is the size of GCM authentication tags in bytes.
	TagSize = 16

	// SaltSize is the size of Argon2id salts in bytes.
	SaltSize = 16

	// EnvelopeVersion is the only envelope version this build understands.
	EnvelopeVersion = 1

	// sessionKeyInfo is the HKDF context prefix for session-key derivation.
	// The session ID is appended so every session gets a distinct key while
	// any device holding the MEK can re-derive it.
	sessionKeyInfo = "klaas-session-v1:"

	// pairingKeyInfo is the HKDF context for the one-shot pairing key.
	pairingKeyInfo = "klaas-pairing-v1"
)

// Argon2id parameters, versioned via the envelope's v field.
const (
	argonMemoryKiB = 64 * 1024
	argonTime      = 3
	argonThreads   = 4
)

// ErrCrypto is the single opaque error surfaced for any decryption failure.
// Padding, tag, and structural failures are deliberately indistinguishable.
var ErrCrypto = errors.New("wrong key or corrupted data")

// SecretKey holds 32 bytes of key material and zeroes it on Close.
// Callers must not log or serialize it.
type SecretKey struct {
	key [KeySize]byte
}

// NewSecretKey copies b into a fresh container. b must be exactly KeySize
// bytes.
func NewSecretKey(b []byte) (*SecretKey, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", KeySize, len(b))
	}
	sk := &SecretKey{}
	copy(sk.key[:], b)
	return sk, nil
}

// GenerateMEK creates a new random Master Encryption Key.
func GenerateMEK() (*SecretKey, error) {
	sk := &SecretKey{}
	if _, err := io.ReadFull(rand.Reader, sk.key[:]); err != nil {
		return nil, fmt.Errorf("generate MEK: %w", err)
	}
	return sk, nil
}

// Bytes returns the raw key material. The returned slice aliases the
// container; do not retain it past the container's lifetime.
func (s *SecretKey) Bytes() []byte {
	return s.key[:]
}

// Equal reports whether two keys hold identical material.
func (s *SecretKey) Equal(other *SecretKey) bool {
	if other == nil {
		return false
	}
	return s.key == other.key
}

// Close zeroes the key material.
func (s *SecretKey) Close() {
	for i := range s.key {
		s.key[i] = 0
	}
}

// Envelope is the versioned JSON carrier for AEAD-encrypted content.
// Nonce and tag are carried explicitly alongside the ciphertext.
type Envelope struct {
	V          int    `json:"v"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// StoredMEK is the envelope for a passphrase-wrapped MEK at rest. It carries
// the Argon2id salt used to derive the wrapping KEK.
type StoredMEK struct {
	V          int    `json:"v"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// PairingEnvelope carries a freshly minted MEK encrypted under the
// ECDH-derived pairing key during first-device bootstrap.
type PairingEnvelope struct {
	V            int    `json:"v"`
	Nonce        string `json:"nonce"`
	EncryptedMEK string `json:"encrypted_mek"`
	Tag          string `json:"tag"`
}

// DeriveKEK derives a Key Encryption Key from a passphrase and salt using
// Argon2id (64 MiB, 3 iterations, parallelism 4).
func DeriveKEK(password []byte, salt []byte) (*SecretKey, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: expected %d, got %d", SaltSize, len(salt))
	}
	raw := argon2.IDKey(password, salt, argonTime, argonMemoryKiB, argonThreads, KeySize)
	sk, err := NewSecretKey(raw)
	zeroBytes(raw)
	return sk, err
}

// DeriveSessionKey derives the per-session content key from the MEK.
// The derivation is pure over (mek, sessionID): any device holding the MEK
// reproduces the same key, which is what makes multi-device read work.
func DeriveSessionKey(mek *SecretKey, sessionID string) (*SecretKey, error) {
	reader := hkdf.New(sha256.New, mek.Bytes(), nil, []byte(sessionKeyInfo+sessionID))
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	sk, err := NewSecretKey(raw)
	zeroBytes(raw)
	return sk, err
}

// EncryptContent encrypts plaintext with AES-256-GCM under key, using a
// random per-message nonce and no associated data.
func EncryptContent(key *SecretKey, plaintext []byte) (*Envelope, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return &Envelope{
		V:          EnvelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// DecryptContent opens an envelope. Any failure — unknown version, malformed
// base64, wrong sizes, or authentication — returns ErrCrypto.
func DecryptContent(key *SecretKey, env *Envelope) ([]byte, error) {
	if env == nil || env.V != EnvelopeVersion {
		return nil, ErrCrypto
	}
	return openParts(key, env.Nonce, env.Ciphertext, env.Tag)
}

// EncryptMEKWithKEK wraps the MEK under a passphrase-derived KEK for storage
// at rest. A fresh salt is generated per wrap.
func EncryptMEKWithKEK(password []byte, mek *SecretKey) (*StoredMEK, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	kek, err := DeriveKEK(password, salt)
	if err != nil {
		return nil, err
	}
	defer kek.Close()

	env, err := EncryptContent(kek, mek.Bytes())
	if err != nil {
		return nil, err
	}

	return &StoredMEK{
		V:          EnvelopeVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      env.Nonce,
		Ciphertext: env.Ciphertext,
		Tag:        env.Tag,
	}, nil
}

// DecryptMEKWithKEK unwraps a stored MEK using the passphrase.
func DecryptMEKWithKEK(stored *StoredMEK, password []byte) (*SecretKey, error) {
	if stored == nil || stored.V != EnvelopeVersion {
		return nil, ErrCrypto
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil || len(salt) != SaltSize {
		return nil, ErrCrypto
	}

	kek, err := DeriveKEK(password, salt)
	if err != nil {
		return nil, ErrCrypto
	}
	defer kek.Close()

	raw, err := openParts(kek, stored.Nonce, stored.Ciphertext, stored.Tag)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(raw)

	mek, err := NewSecretKey(raw)
	if err != nil {
		return nil, ErrCrypto
	}
	return mek, nil
}

// GenerateECDHKeyPair creates an ephemeral P-256 keypair for pairing.
// The public key is returned in uncompressed SEC1 encoding (65 bytes).
func GenerateECDHKeyPair() (*ecdh.PrivateKey, []byte, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ECDH keypair: %w", err)
	}
	return priv, priv.PublicKey().Bytes(), nil
}

// DecryptMEKFromPairing unwraps a MEK delivered during pairing. The remote
// public key arrives in uncompressed SEC1 encoding; the shared secret feeds
// HKDF-SHA256 with the pairing context to produce the unwrapping key.
func DecryptMEKFromPairing(priv *ecdh.PrivateKey, theirPublicRaw []byte, env *PairingEnvelope) (*SecretKey, error) {
	if env == nil || env.V != EnvelopeVersion {
		return nil, ErrCrypto
	}

	theirPub, err := ecdh.P256().NewPublicKey(theirPublicRaw)
	if err != nil {
		return nil, ErrCrypto
	}

	shared, err := priv.ECDH(theirPub)
	if err != nil {
		return nil, ErrCrypto
	}
	defer zeroBytes(shared)

	reader := hkdf.New(sha256.New, shared, nil, []byte(pairingKeyInfo))
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, ErrCrypto
	}

	pairingKey, err := NewSecretKey(raw)
	zeroBytes(raw)
	if err != nil {
		return nil, ErrCrypto
	}
	defer pairingKey.Close()

	mekRaw, err := openParts(pairingKey, env.Nonce, env.EncryptedMEK, env.Tag)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(mekRaw)

	mek, err := NewSecretKey(mekRaw)
	if err != nil {
		return nil, ErrCrypto
	}
	return mek, nil
}

// newAEAD builds the AES-256-GCM cipher for a key.
func newAEAD(key *SecretKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// openParts decodes and authenticates the base64 nonce/ciphertext/tag triple.
func openParts(key *SecretKey, nonceB64, ctB64, tagB64 string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrCrypto
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, ErrCrypto
	}
	tag, err := base64.StdEncoding.DecodeString(tagB64)
	if err != nil || len(tag) != TagSize {
		return nil, ErrCrypto
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrCrypto
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCrypto
	}
	return plaintext, nil
}

// zeroBytes zeroes out a byte slice to prevent sensitive data from lingering
// in memory.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
