package auth

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klaas-sh/klaas/internal/crypto"
)

// ErrPairingExpired: the pairing request expired or timed out before the
// dashboard approved it.
var ErrPairingExpired = errors.New("pairing request expired")

// pairingPollInterval is the fixed status-poll cadence.
const pairingPollInterval = 2 * time.Second

// PairingResponse is the POST /auth/pair/request payload.
type PairingResponse struct {
	ID              string `json:"id"`
	PairingCode     string `json:"pairing_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
}

// pairingStatus is the GET /auth/pair/status/<code> payload.
type pairingStatus struct {
	Status        string                  `json:"status"`
	DashPublicKey string                  `json:"dash_public_key,omitempty"`
	EncryptedMEK  *crypto.PairingEnvelope `json:"encrypted_mek,omitempty"`
}

// RequestPairing registers a pairing request carrying this device's
// ephemeral ECDH public key (base64 SEC1).
func (c *Client) RequestPairing(ctx context.Context, deviceName string, publicKeyRaw []byte) (*PairingResponse, error) {
	body := map[string]string{
		"device_name":    deviceName,
		"cli_public_key": base64.StdEncoding.EncodeToString(publicKeyRaw),
	}
	var resp PairingResponse
	if err := c.postJSON(ctx, "/auth/pair/request", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForPairing polls the pairing status every 2 seconds until the
// dashboard completes the exchange, then unwraps the MEK delivered under the
// ECDH-derived pairing key. Expiry on either side returns ErrPairingExpired.
func (c *Client) WaitForPairing(ctx context.Context, pairing *PairingResponse, priv *ecdh.PrivateKey) (*crypto.SecretKey, error) {
	deadline := time.Now().Add(time.Duration(pairing.ExpiresIn) * time.Second)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrPairingExpired
		}

		status, err := c.getPairingStatus(ctx, pairing.PairingCode)
		if err != nil {
			c.logger.Debug("pairing status poll failed", "error", err)
		} else {
			switch status.Status {
			case "completed":
				return unwrapPairedMEK(priv, status)
			case "expired":
				return nil, ErrPairingExpired
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pairingPollInterval):
		}
	}
}

func unwrapPairedMEK(priv *ecdh.PrivateKey, status *pairingStatus) (*crypto.SecretKey, error) {
	if status.DashPublicKey == "" || status.EncryptedMEK == nil {
		return nil, fmt.Errorf("pairing completed without key material")
	}
	dashPub, err := base64.StdEncoding.DecodeString(status.DashPublicKey)
	if err != nil {
		return nil, crypto.ErrCrypto
	}
	return crypto.DecryptMEKFromPairing(priv, dashPub, status.EncryptedMEK)
}

func (c *Client) getPairingStatus(ctx context.Context, code string) (*pairingStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiURL+"/auth/pair/status/"+code, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pairing status %d", resp.StatusCode)
	}

	var status pairingStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("parse pairing status: %w", err)
	}
	return &status, nil
}
