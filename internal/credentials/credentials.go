// Package credentials provides secure storage for tokens, device identity,
// and encryption keys.
//
// The OS keychain is the primary backend (macOS Keychain, Windows Credential
// Manager, Linux Secret Service). When the keychain is unavailable the store
// falls back to a mode-0600 JSON file under the user config directory.
package credentials

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"

	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/crypto"
)

// Key names for stored credentials.
const (
	accessTokenKey  = "access_token"
	refreshTokenKey = "refresh_token"
	deviceIDKey     = "device_id"
	sessionIDKey    = "session_id"
	mekKey          = "encryption_key"
)

const fallbackFileName = "credentials.json"

// probe entry used to verify the keychain round-trips at construction.
const probeKey = "storage_probe"

// ErrKeychain wraps any storage backend failure.
var ErrKeychain = errors.New("keychain error")

// fallbackCredentials is the JSON structure of the file backend.
type fallbackCredentials struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	// MEK stored as hex string to keep every backend string-typed.
	MEK string `json:"mek,omitempty"`
}

// Store manages credential persistence. Backend selection happens once at
// construction by round-tripping a probe entry through the keychain.
type Store struct {
	useKeychain  bool
	fallbackPath string
	logger       *slog.Logger
}

// NewStore creates a credential store, probing the keychain and falling back
// to file storage with a warning when the probe fails.
func NewStore(logger *slog.Logger) *Store {
	fallbackPath := fallbackFilePath()
	useKeychain := probeKeychain()

	if useKeychain {
		logger.Debug("using OS keychain for credential storage")
	} else {
		logger.Warn("keychain unavailable, using file-based storage", "path", fallbackPath)
	}

	return &Store{
		useKeychain:  useKeychain,
		fallbackPath: fallbackPath,
		logger:       logger,
	}
}

// probeKeychain verifies the keychain works by writing, reading back, and
// deleting a test entry.
func probeKeychain() bool {
	if err := keyring.Set(config.KeychainService, probeKey, "ok"); err != nil {
		return false
	}
	got, err := keyring.Get(config.KeychainService, probeKey)
	_ = keyring.Delete(config.KeychainService, probeKey)
	return err == nil && got == "ok"
}

// StoreTokens persists the access/refresh token pair.
func (s *Store) StoreTokens(accessToken, refreshToken string) error {
	if s.useKeychain {
		if err := s.setKeychain(accessTokenKey, accessToken); err != nil {
			return err
		}
		if err := s.setKeychain(refreshTokenKey, refreshToken); err != nil {
			return err
		}
	} else {
		if err := s.updateFallback(func(c *fallbackCredentials) {
			c.AccessToken = accessToken
			c.RefreshToken = refreshToken
		}); err != nil {
			return err
		}
	}
	s.logger.Debug("stored access and refresh tokens")
	return nil
}

// GetTokens returns the stored token pair, or ok=false when either half is
// missing.
func (s *Store) GetTokens() (access, refresh string, ok bool, err error) {
	if s.useKeychain {
		a, errA := s.getKeychain(accessTokenKey)
		r, errR := s.getKeychain(refreshTokenKey)
		if errA != nil {
			return "", "", false, errA
		}
		if errR != nil {
			return "", "", false, errR
		}
		if a == "" || r == "" {
			return "", "", false, nil
		}
		return a, r, true, nil
	}

	creds, err := s.readFallback()
	if err != nil {
		return "", "", false, err
	}
	if creds.AccessToken == "" || creds.RefreshToken == "" {
		return "", "", false, nil
	}
	return creds.AccessToken, creds.RefreshToken, true, nil
}

// ClearTokens removes both tokens. Missing entries are not an error.
func (s *Store) ClearTokens() error {
	if s.useKeychain {
		s.deleteKeychain(accessTokenKey)
		s.deleteKeychain(refreshTokenKey)
		return nil
	}
	return s.updateFallback(func(c *fallbackCredentials) {
		c.AccessToken = ""
		c.RefreshToken = ""
	})
}

// StoreDeviceID persists the device ULID. Generated once, kept forever.
func (s *Store) StoreDeviceID(deviceID string) error {
	if s.useKeychain {
		return s.setKeychain(deviceIDKey, deviceID)
	}
	return s.updateFallback(func(c *fallbackCredentials) {
		c.DeviceID = deviceID
	})
}

// GetDeviceID returns the stored device ID, or "" when none exists.
func (s *Store) GetDeviceID() (string, error) {
	if s.useKeychain {
		return s.getKeychain(deviceIDKey)
	}
	creds, err := s.readFallback()
	if err != nil {
		return "", err
	}
	return creds.DeviceID, nil
}

// StoreSessionID persists the session ULID so a later run can resume it.
func (s *Store) StoreSessionID(sessionID string) error {
	if s.useKeychain {
		return s.setKeychain(sessionIDKey, sessionID)
	}
	return s.updateFallback(func(c *fallbackCredentials) {
		c.SessionID = sessionID
	})
}

// GetSessionID returns the stored session ID, or "" when none exists.
func (s *Store) GetSessionID() (string, error) {
	if s.useKeychain {
		return s.getKeychain(sessionIDKey)
	}
	creds, err := s.readFallback()
	if err != nil {
		return "", err
	}
	return creds.SessionID, nil
}

// ClearSessionID removes the stored session ID.
func (s *Store) ClearSessionID() error {
	if s.useKeychain {
		s.deleteKeychain(sessionIDKey)
		return nil
	}
	return s.updateFallback(func(c *fallbackCredentials) {
		c.SessionID = ""
	})
}

// StoreMEK persists the Master Encryption Key, hex-encoded to keep the
// keychain string-typed.
func (s *Store) StoreMEK(mek *crypto.SecretKey) error {
	hexMEK := hex.EncodeToString(mek.Bytes())
	if s.useKeychain {
		return s.setKeychain(mekKey, hexMEK)
	}
	return s.updateFallback(func(c *fallbackCredentials) {
		c.MEK = hexMEK
	})
}

// GetMEK returns the stored MEK, or nil when none exists. A stored value of
// the wrong length is a keychain error, not a silent miss.
func (s *Store) GetMEK() (*crypto.SecretKey, error) {
	var hexMEK string
	if s.useKeychain {
		v, err := s.getKeychain(mekKey)
		if err != nil {
			return nil, err
		}
		hexMEK = v
	} else {
		creds, err := s.readFallback()
		if err != nil {
			return nil, err
		}
		hexMEK = creds.MEK
	}

	if hexMEK == "" {
		return nil, nil
	}

	raw, err := hex.DecodeString(hexMEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid MEK encoding: %v", ErrKeychain, err)
	}
	if len(raw) != crypto.KeySize {
		return nil, fmt.Errorf("%w: stored MEK has wrong size: expected %d, got %d",
			ErrKeychain, crypto.KeySize, len(raw))
	}

	mek, err := crypto.NewSecretKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeychain, err)
	}
	return mek, nil
}

// ClearMEK removes the stored MEK. Previous encrypted sessions become
// unrecoverable.
func (s *Store) ClearMEK() error {
	if s.useKeychain {
		s.deleteKeychain(mekKey)
		return nil
	}
	return s.updateFallback(func(c *fallbackCredentials) {
		c.MEK = ""
	})
}

// Purge removes every stored credential, including the device identity.
// Used by uninstall --purge.
func (s *Store) Purge() error {
	if s.useKeychain {
		for _, key := range []string{accessTokenKey, refreshTokenKey, deviceIDKey, sessionIDKey, mekKey} {
			s.deleteKeychain(key)
		}
		return nil
	}
	if err := os.Remove(s.fallbackPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrKeychain, err)
	}
	return nil
}

func (s *Store) setKeychain(key, value string) error {
	if err := keyring.Set(config.KeychainService, key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrKeychain, err)
	}
	return nil
}

func (s *Store) getKeychain(key string) (string, error) {
	value, err := keyring.Get(config.KeychainService, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrKeychain, err)
	}
	return value, nil
}

func (s *Store) deleteKeychain(key string) {
	// Missing entries are fine.
	_ = keyring.Delete(config.KeychainService, key)
}

func (s *Store) readFallback() (*fallbackCredentials, error) {
	data, err := os.ReadFile(s.fallbackPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &fallbackCredentials{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKeychain, err)
	}

	var creds fallbackCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: corrupt credentials file: %v", ErrKeychain, err)
	}
	return &creds, nil
}

func (s *Store) updateFallback(mutate func(*fallbackCredentials)) error {
	creds, err := s.readFallback()
	if err != nil {
		return err
	}
	mutate(creds)

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeychain, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.fallbackPath), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrKeychain, err)
	}
	if err := os.WriteFile(s.fallbackPath, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrKeychain, err)
	}
	// WriteFile honors the mode only at creation; re-assert on overwrite.
	if err := os.Chmod(s.fallbackPath, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrKeychain, err)
	}
	return nil
}

func fallbackFilePath() string {
	dir, err := config.ConfigDir()
	if err != nil {
		return filepath.Join(".", fallbackFileName)
	}
	return filepath.Join(dir, fallbackFileName)
}
