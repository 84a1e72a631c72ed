package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klaas-sh/klaas/internal/logging"
)

func TestStartDeviceFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/device" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(DeviceFlowResponse{
			DeviceCode:      "dev-123",
			UserCode:        "ABCD-1234",
			VerificationURI: "https://klaas.sh/activate",
			ExpiresIn:       600,
			Interval:        5,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, logging.NopLogger())
	flow, err := c.StartDeviceFlow(context.Background())
	if err != nil {
		t.Fatalf("StartDeviceFlow() error = %v", err)
	}
	if flow.UserCode != "ABCD-1234" || flow.Interval != 5 {
		t.Errorf("flow = %+v", flow)
	}
}

func TestRequestToken_ErrorMapping(t *testing.T) {
	tests := []struct {
		oauthCode string
		want      error
	}{
		{"authorization_pending", errAuthorizationPending},
		{"slow_down", errSlowDown},
		{"expired_token", ErrExpiredToken},
		{"access_denied", ErrAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.oauthCode, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": tt.oauthCode})
			}))
			defer srv.Close()

			c := NewClient(srv.URL, logging.NopLogger())
			_, err := c.requestToken(context.Background(), "dev-123")
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRequestToken_Success(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "A",
			RefreshToken: "R",
			ExpiresIn:    3600,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, logging.NopLogger())
	tokens, err := c.requestToken(context.Background(), "dev-123")
	if err != nil {
		t.Fatalf("requestToken() error = %v", err)
	}
	if tokens.AccessToken != "A" || tokens.RefreshToken != "R" {
		t.Errorf("tokens = %+v", tokens)
	}
	if gotBody["grant_type"] != grantType {
		t.Errorf("grant_type = %q", gotBody["grant_type"])
	}
	if gotBody["device_code"] != "dev-123" {
		t.Errorf("device_code = %q", gotBody["device_code"])
	}
}

func TestRefresh_InvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, logging.NopLogger())
	_, err := c.Refresh(context.Background(), "stale")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("got %v, want ErrInvalidGrant", err)
	}
}

func TestRefresh_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "A2", RefreshToken: "R2"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, logging.NopLogger())
	tokens, err := c.Refresh(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tokens.AccessToken != "A2" {
		t.Errorf("tokens = %+v", tokens)
	}
}

func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString(
		[]byte(fmt.Sprintf(`{"exp":%d,"sub":"dev"}`, exp.Unix())))
	return header + "." + payload + ".sig"
}

func TestTokenNeedsRefresh(t *testing.T) {
	if TokenNeedsRefresh(makeJWT(t, time.Now().Add(time.Hour))) {
		t.Error("fresh token should not need refresh")
	}
	if !TokenNeedsRefresh(makeJWT(t, time.Now().Add(-time.Hour))) {
		t.Error("expired token should need refresh")
	}
	// Inside the 60 s safety margin counts as needing refresh.
	if !TokenNeedsRefresh(makeJWT(t, time.Now().Add(30*time.Second))) {
		t.Error("token expiring within margin should need refresh")
	}
	// Malformed tokens are used as-is.
	if TokenNeedsRefresh("not-a-jwt") {
		t.Error("malformed token should be used as-is")
	}
	if TokenNeedsRefresh("") {
		t.Error("empty token should be used as-is")
	}
}

func TestRequestPairing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if _, err := base64.StdEncoding.DecodeString(body["cli_public_key"]); err != nil {
			t.Errorf("cli_public_key not base64: %v", err)
		}
		json.NewEncoder(w).Encode(PairingResponse{
			ID:              "p1",
			PairingCode:     "WXYZ-5678",
			VerificationURI: "https://klaas.sh/pair",
			ExpiresIn:       300,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, logging.NopLogger())
	resp, err := c.RequestPairing(context.Background(), "my-laptop", []byte{0x04, 0x01, 0x02})
	if err != nil {
		t.Fatalf("RequestPairing() error = %v", err)
	}
	if resp.PairingCode != "WXYZ-5678" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestWaitForPairing_Expired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pairingStatus{Status: "expired"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, logging.NopLogger())
	_, err := c.WaitForPairing(context.Background(),
		&PairingResponse{PairingCode: "X", ExpiresIn: 300}, nil)
	if !errors.Is(err, ErrPairingExpired) {
		t.Errorf("got %v, want ErrPairingExpired", err)
	}
}
