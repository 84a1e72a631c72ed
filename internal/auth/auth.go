// Package auth implements the OAuth 2.0 Device Authorization Grant
// (RFC 8628) against the klaas API, token refresh, and the ECDH pairing flow
// that bootstraps the device's Master Encryption Key.
//
// The flow:
//  1. POST /auth/device returns a device_code and user_code
//  2. The user visits verification_uri and enters the code
//  3. The CLI polls POST /auth/token with the device_code until authorized
//  4. On success the CLI receives access_token and refresh_token
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klaas-sh/klaas/internal/keycodec"
	"github.com/klaas-sh/klaas/internal/term"
	"github.com/klaas-sh/klaas/internal/ui"
)

// Terminal and user-driven outcomes of the flow.
var (
	// ErrCancelled: the user pressed Ctrl-C during polling.
	ErrCancelled = errors.New("authentication cancelled by user")

	// ErrSkipped: the user pressed ESC; the caller continues offline.
	ErrSkipped = errors.New("authentication skipped")

	// ErrExpiredToken: the device code expired before approval.
	ErrExpiredToken = errors.New("device code expired")

	// ErrAccessDenied: the user or server rejected the authorization.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidGrant: the refresh token is invalid or expired.
	ErrInvalidGrant = errors.New("invalid or expired refresh token")
)

// grantType is the RFC 8628 device-code grant identifier.
const grantType = "urn:ietf:params:oauth:grant-type:device_code"

// slowDownStep is added to the polling interval on a slow_down response.
const slowDownStep = 5 * time.Second

// DeviceFlowResponse is the POST /auth/device payload.
type DeviceFlowResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// TokenResponse is the POST /auth/token and /auth/refresh payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// oauthError is the OAuth-style error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Client performs authentication flows against one API base URL.
type Client struct {
	apiURL string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates an auth client for the given API base URL.
func NewClient(apiURL string, logger *slog.Logger) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// StartDeviceFlow requests a device code from the server.
func (c *Client) StartDeviceFlow(ctx context.Context) (*DeviceFlowResponse, error) {
	var resp DeviceFlowResponse
	if err := c.postJSON(ctx, "/auth/device", nil, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("device flow started", "expires_in", resp.ExpiresIn, "interval", resp.Interval)
	return &resp, nil
}

// PollForToken polls the token endpoint until the user approves, the code
// expires, or the user skips/cancels. The terminal manager supplies
// non-blocking key events: ESC skips, Ctrl-C cancels.
func (c *Client) PollForToken(ctx context.Context, tm *term.Manager, flow *DeviceFlowResponse) (*TokenResponse, error) {
	interval := time.Duration(flow.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(flow.ExpiresIn) * time.Second)

	wasRaw := tm.IsRaw()
	if !wasRaw {
		if err := tm.EnterRaw(); err != nil {
			c.logger.Debug("raw mode unavailable during auth", "error", err)
		}
	}
	anim := ui.NewWaitingAnimation(time.Until(deadline))
	ui.HideCursor()
	cleanup := func() {
		anim.Clear()
		ui.ShowCursor()
		if !wasRaw {
			tm.Restore()
		}
	}

	nextPoll := time.Now().Add(interval)
	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}

		// Non-blocking key watch between animation frames.
		if ev := tm.PollEvent(0); ev != nil {
			if key, ok := ev.(term.KeyEvent); ok {
				switch {
				case key.Key == keycodec.KeyEsc:
					cleanup()
					return nil, ErrSkipped
				case key.Key == keycodec.KeyRune && key.Ctrl && key.Rune == 'c':
					cleanup()
					return nil, ErrCancelled
				}
			}
		}

		if time.Now().After(deadline) {
			cleanup()
			return nil, ErrExpiredToken
		}

		anim.RenderFrame()
		time.Sleep(ui.AnimationInterval)

		if time.Now().Before(nextPoll) {
			continue
		}
		nextPoll = time.Now().Add(interval)

		tokens, pollErr := c.requestToken(ctx, flow.DeviceCode)
		switch {
		case pollErr == nil:
			cleanup()
			ui.AuthSuccess()
			return tokens, nil
		case errors.Is(pollErr, errAuthorizationPending):
			continue
		case errors.Is(pollErr, errSlowDown):
			interval += slowDownStep
			nextPoll = time.Now().Add(interval)
			c.logger.Debug("server requested slower polling", "interval", interval)
		case errors.Is(pollErr, ErrExpiredToken):
			cleanup()
			return nil, ErrExpiredToken
		default:
			cleanup()
			return nil, pollErr
		}
	}
}

// Authenticate runs the complete device flow, silently restarting it when
// the code expires.
func (c *Client) Authenticate(ctx context.Context, tm *term.Manager) (*TokenResponse, error) {
	for {
		flow, err := c.StartDeviceFlow(ctx)
		if err != nil {
			return nil, err
		}

		uri := flow.VerificationURI
		if flow.VerificationURIComplete != "" {
			uri = flow.VerificationURIComplete
		}
		ui.VerificationPrompt(uri, flow.UserCode)

		tokens, err := c.PollForToken(ctx, tm, flow)
		if errors.Is(err, ErrExpiredToken) {
			ui.CodeExpired()
			continue
		}
		return tokens, err
	}
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	body := map[string]string{"refresh_token": refreshToken}

	var resp TokenResponse
	err := c.postJSON(ctx, "/auth/refresh", body, &resp)
	if err != nil {
		var oe *oauthErrorResult
		if errors.As(err, &oe) && oe.code == "invalid_grant" {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}
	return &resp, nil
}

// Internal polling sentinels.
var (
	errAuthorizationPending = errors.New("authorization pending")
	errSlowDown             = errors.New("slow down")
)

// oauthErrorResult carries the server's OAuth error code.
type oauthErrorResult struct {
	code        string
	description string
}

func (e *oauthErrorResult) Error() string {
	if e.description != "" {
		return fmt.Sprintf("%s: %s", e.code, e.description)
	}
	return e.code
}

// requestToken performs one token poll.
func (c *Client) requestToken(ctx context.Context, deviceCode string) (*TokenResponse, error) {
	body := map[string]string{
		"device_code": deviceCode,
		"grant_type":  grantType,
	}

	var resp TokenResponse
	err := c.postJSON(ctx, "/auth/token", body, &resp)
	if err == nil {
		return &resp, nil
	}

	var oe *oauthErrorResult
	if errors.As(err, &oe) {
		switch oe.code {
		case "authorization_pending":
			return nil, errAuthorizationPending
		case "slow_down":
			return nil, errSlowDown
		case "expired_token":
			return nil, ErrExpiredToken
		case "access_denied":
			return nil, fmt.Errorf("%w: %s", ErrAccessDenied, oe.description)
		}
	}
	return nil, err
}

// postJSON posts a JSON body and decodes a JSON response. OAuth-style error
// bodies surface as *oauthErrorResult.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		return nil
	}

	var oe oauthError
	if json.Unmarshal(data, &oe) == nil && oe.Error != "" {
		return &oauthErrorResult{code: oe.Error, description: oe.ErrorDescription}
	}
	return fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
