// Package analytics sends the one-shot install beacon.
//
// An install-marker file signals a fresh installation; it is deleted only
// after the tracking endpoint acknowledges with a 2xx, so a failed beacon
// retries on the next run. The beacon is fire-and-forget and never delays
// startup beyond its short timeout.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/klaas-sh/klaas/internal/config"
)

const markerFileName = ".installed"

// beaconTimeout caps the tracking request.
const beaconTimeout = 5 * time.Second

// installBeacon is the minimal payload: platform and version, nothing
// user-identifying.
type installBeacon struct {
	Event   string `json:"event"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Version string `json:"version"`
}

// MarkerPath returns the install-marker location.
func MarkerPath() string {
	dir, err := config.DataDir()
	if err != nil {
		return filepath.Join(".", markerFileName)
	}
	return filepath.Join(dir, markerFileName)
}

// WriteMarker creates the install marker. Called by the installer; calling
// it again is harmless.
func WriteMarker() error {
	path := MarkerPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte{}, 0o644)
}

// TrackInstallIfPending sends the install beacon when the marker exists and
// removes the marker on a 2xx response.
func TrackInstallIfPending(ctx context.Context, apiURL, version string, logger *slog.Logger) {
	path := MarkerPath()
	if _, err := os.Stat(path); err != nil {
		return
	}

	if !sendBeacon(ctx, apiURL, version, logger) {
		return
	}

	if err := os.Remove(path); err != nil {
		logger.Debug("failed to remove install marker", "error", err)
	}
}

func sendBeacon(ctx context.Context, apiURL, version string, logger *slog.Logger) bool {
	body, err := json.Marshal(installBeacon{
		Event:   "install",
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Version: version,
	})
	if err != nil {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, beaconTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		apiURL+"/v1/track", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Debug("install beacon failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
