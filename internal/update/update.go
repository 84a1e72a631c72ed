// Package update implements the daily release check and binary self-update.
//
// Version checks hit the release index at most once per day; while the cache
// holds no release version, a failed check is retried after an hour. Once a
// version is cached, a failed check waits the full day. The result is cached
// on disk.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/klaas-sh/klaas/internal/config"
)

// releaseIndexURL is the release metadata endpoint.
const releaseIndexURL = "https://get.klaas.sh/releases/latest.json"

// Check intervals: daily once a release version is cached, hourly while none
// is.
const (
	checkInterval = 24 * time.Hour
	retryInterval = time.Hour
)

const cacheFileName = "update-cache.json"

// cache is the persisted check state.
type cache struct {
	LastCheck       int64  `json:"last_check"`
	LatestVersion   string `json:"latest_version,omitempty"`
	UpdateAvailable bool   `json:"update_available"`
}

// release is the release-index payload.
type release struct {
	Version string            `json:"version"`
	Assets  map[string]string `json:"assets"`
}

// Result reports the outcome of a version check.
type Result struct {
	CurrentVersion  string
	LatestVersion   string
	UpdateAvailable bool
}

// Checker performs cached update checks.
type Checker struct {
	currentVersion string
	indexURL       string
	http           *http.Client
	logger         *slog.Logger
}

// NewChecker creates a checker for the running version.
func NewChecker(currentVersion string, logger *slog.Logger) *Checker {
	return &Checker{
		currentVersion: currentVersion,
		indexURL:       releaseIndexURL,
		http:           &http.Client{Timeout: 10 * time.Second},
		logger:         logger,
	}
}

// CheckCached returns the cached result when fresh, otherwise queries the
// release index and refreshes the cache. Failures return the stale cache.
func (c *Checker) CheckCached(ctx context.Context) Result {
	cached := readCache()
	elapsed := time.Since(time.Unix(cached.LastCheck, 0))

	interval := checkInterval
	if cached.LatestVersion == "" {
		interval = retryInterval
	}

	if elapsed < interval {
		return Result{
			CurrentVersion:  c.currentVersion,
			LatestVersion:   cached.LatestVersion,
			UpdateAvailable: cached.UpdateAvailable && IsNewerVersion(c.currentVersion, cached.LatestVersion),
		}
	}

	rel, err := c.fetchLatest(ctx)
	if err != nil {
		c.logger.Debug("update check failed", "error", err)
		writeCache(&cache{
			LastCheck:       time.Now().Unix(),
			LatestVersion:   cached.LatestVersion,
			UpdateAvailable: cached.UpdateAvailable,
		})
		return Result{
			CurrentVersion:  c.currentVersion,
			LatestVersion:   cached.LatestVersion,
			UpdateAvailable: cached.UpdateAvailable && IsNewerVersion(c.currentVersion, cached.LatestVersion),
		}
	}

	available := IsNewerVersion(c.currentVersion, rel.Version)
	writeCache(&cache{
		LastCheck:       time.Now().Unix(),
		LatestVersion:   rel.Version,
		UpdateAvailable: available,
	})
	return Result{
		CurrentVersion:  c.currentVersion,
		LatestVersion:   rel.Version,
		UpdateAvailable: available,
	}
}

// Upgrade downloads the latest release binary for this platform, writes it
// next to the running binary, swaps it in place, and re-execs.
func (c *Checker) Upgrade(ctx context.Context) error {
	rel, err := c.fetchLatest(ctx)
	if err != nil {
		return fmt.Errorf("fetch release index: %w", err)
	}
	if !IsNewerVersion(c.currentVersion, rel.Version) {
		return fmt.Errorf("already up to date (v%s)", strings.TrimPrefix(c.currentVersion, "v"))
	}

	platform := runtime.GOOS + "-" + runtime.GOARCH
	assetURL, ok := rel.Assets[platform]
	if !ok {
		return fmt.Errorf("no release asset for %s", platform)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate running binary: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolve running binary: %w", err)
	}

	staged := self + ".new"
	if err := c.download(ctx, assetURL, staged); err != nil {
		return err
	}

	// Rename is atomic on the same filesystem; the running binary keeps its
	// open inode.
	if err := os.Rename(staged, self); err != nil {
		os.Remove(staged)
		return fmt.Errorf("swap binary: %w", err)
	}

	c.logger.Info("upgraded", "from", c.currentVersion, "to", rel.Version)
	return reexec(self)
}

func (c *Checker) fetchLatest(ctx context.Context) (*release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.indexURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release index status %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rel); err != nil {
		return nil, fmt.Errorf("parse release index: %w", err)
	}
	return &rel, nil
}

func (c *Checker) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status %d", resp.StatusCode)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("stage binary: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("write binary: %w", err)
	}
	return f.Close()
}

// reexec replaces the current process with the new binary, preserving args.
func reexec(binary string) error {
	cmd := exec.Command(binary, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return err
	}
	os.Exit(0)
	return nil
}

// IsNewerVersion reports whether latest is strictly newer than current,
// comparing dotted numeric components. Pre-release suffixes are ignored.
func IsNewerVersion(current, latest string) bool {
	if latest == "" {
		return false
	}
	cur := parseVersion(current)
	lat := parseVersion(latest)

	n := len(cur)
	if len(lat) > n {
		n = len(lat)
	}
	for i := 0; i < n; i++ {
		c, l := 0, 0
		if i < len(cur) {
			c = cur[i]
		}
		if i < len(lat) {
			l = lat[i]
		}
		if l > c {
			return true
		}
		if l < c {
			return false
		}
	}
	return false
}

func parseVersion(v string) []int {
	v = strings.TrimPrefix(v, "v")
	parts := strings.Split(v, ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p, _, _ = strings.Cut(p, "-")
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		out = append(out, n)
	}
	return out
}

func cachePath() string {
	dir, err := config.CacheDir()
	if err != nil {
		return filepath.Join(".", cacheFileName)
	}
	return filepath.Join(dir, cacheFileName)
}

func readCache() *cache {
	data, err := os.ReadFile(cachePath())
	if err != nil {
		return &cache{}
	}
	var c cache
	if err := json.Unmarshal(data, &c); err != nil {
		return &cache{}
	}
	return &c
}

func writeCache(c *cache) {
	path := cachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	os.WriteFile(path, data, 0o644)
}
