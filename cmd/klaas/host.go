package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/klaas-sh/klaas/internal/agents"
	"github.com/klaas-sh/klaas/internal/analytics"
	"github.com/klaas-sh/klaas/internal/auth"
	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/credentials"
	"github.com/klaas-sh/klaas/internal/crypto"
	"github.com/klaas-sh/klaas/internal/identity"
	"github.com/klaas-sh/klaas/internal/logging"
	"github.com/klaas-sh/klaas/internal/pty"
	"github.com/klaas-sh/klaas/internal/recovery"
	"github.com/klaas-sh/klaas/internal/relay"
	"github.com/klaas-sh/klaas/internal/session"
	"github.com/klaas-sh/klaas/internal/term"
	"github.com/klaas-sh/klaas/internal/ui"
	"github.com/klaas-sh/klaas/internal/update"
)

type hostParams struct {
	agentID   string
	resume    bool
	name      string
	agentArgs []string
	version   string
}

// runHost starts a wrapped host session and returns the child's exit code.
func runHost(ctx context.Context, logger *slog.Logger, p hostParams) (int, error) {
	if p.name != "" && !identity.ValidateSessionName(p.name) {
		return 1, fmt.Errorf("invalid session name %q: 1-20 characters of letters, digits, _ or -", p.name)
	}

	// Side work that must never delay the session noticeably.
	analytics.TrackInstallIfPending(ctx, config.APIURL(), p.version, logger)
	if res := update.NewChecker(p.version, logger).CheckCached(ctx); res.UpdateAvailable {
		fmt.Printf("  A new version is available: v%s (run 'klaas upgrade')\n", res.LatestVersion)
	}

	cfg := config.Load(logger)
	registry := agents.NewRegistry(cfg)
	agent, err := registry.Default(p.agentID, cfg)
	if err != nil {
		return 1, err
	}
	if !agent.Installed() {
		return 1, fmt.Errorf("agent %q is not installed (command %q not found)", agent.ID, agent.Command)
	}

	creds := credentials.NewStore(logger)

	deviceID, err := creds.GetDeviceID()
	if err != nil || deviceID == "" {
		deviceID = identity.NewDeviceID()
		if err := creds.StoreDeviceID(deviceID); err != nil {
			logger.Warn("failed to persist device id", "error", err)
		}
	}

	sessionID := ""
	if p.resume {
		sessionID, _ = creds.GetSessionID()
	}
	if sessionID == "" {
		sessionID = identity.NewSessionID()
	}
	if err := creds.StoreSessionID(sessionID); err != nil {
		logger.Warn("failed to persist session id", "error", err)
	}

	logger.Info("starting session",
		logging.KeySessionID, sessionID,
		logging.KeyDeviceID, deviceID,
		logging.KeyAgent, agent.ID)

	ui.StartupBanner(p.version)

	tm := term.NewManager(logger)
	authClient := auth.NewClient(config.APIURL(), logger)

	offline, err := ensureAuthenticated(ctx, logger, authClient, creds, tm)
	if err != nil {
		return 1, err
	}

	var host *relay.Host
	if !offline {
		mek, err := ensureMEK(ctx, logger, authClient, creds)
		if err != nil {
			return 1, err
		}

		deviceName := hostName()
		cwd, _ := os.Getwd()

		host, err = relay.NewHost(relay.HostOptions{
			WSURL:         config.WSURL(),
			SessionID:     sessionID,
			DeviceID:      deviceID,
			DeviceName:    deviceName,
			CWD:           cwd,
			Name:          p.name,
			InputMode:     cfg.Input.ModeOrDefault(),
			IdleTimeoutMS: int(cfg.Input.IdleTimeout().Milliseconds()),
			MEK:           mek,
			Token:         tokenSource(logger, authClient, creds),
			Logger:        logging.WithComponent(logger, "relay"),
		})
		if err != nil {
			return 1, err
		}
	}

	if err := tm.EnterRaw(); err != nil {
		return 1, fmt.Errorf("terminal setup failed: %w", err)
	}
	defer tm.Close()

	child, err := pty.Spawn(pty.SpawnOptions{
		Command:   agent.Command,
		Args:      append(append([]string{}, agent.Args...), p.agentArgs...),
		SessionID: sessionID,
		APIURL:    config.APIURL(),
		Shell:     agent.Shell,
	})
	if err != nil {
		tm.Restore()
		return 1, fmt.Errorf("could not start %s. Is it installed and in your PATH?\n%w", agent.Name, err)
	}
	defer child.Close()

	if host != nil {
		if err := host.Connect(ctx, false); err != nil {
			logger.Warn("initial relay connect failed, retrying in background", "error", err)
			ui.OfflineBanner()
			host.SetState(relay.Reconnecting)
		}
	} else {
		ui.OfflineBanner()
	}

	runtime := session.New(session.Options{
		PTY:       child,
		Term:      tm,
		Host:      host,
		DebugDump: logging.NewDebugDump(),
		Logger:    logging.WithComponent(logger, "session"),
	})

	defer recovery.RecoverWithCleanup(logger, "session", tm.Restore)
	code := runtime.Run(ctx)
	tm.Restore()
	return code, nil
}

// ensureAuthenticated makes sure a token pair exists, running the device
// flow when needed. Returns offline=true when the user skipped auth.
func ensureAuthenticated(ctx context.Context, logger *slog.Logger, client *auth.Client, creds *credentials.Store, tm *term.Manager) (offline bool, err error) {
	_, _, ok, err := creds.GetTokens()
	if err != nil {
		logger.Warn("credential read failed", "error", err)
	}
	if ok {
		return false, nil
	}

	tokens, err := client.Authenticate(ctx, tm)
	switch {
	case err == nil:
		if err := creds.StoreTokens(tokens.AccessToken, tokens.RefreshToken); err != nil {
			logger.Warn("failed to persist tokens", "error", err)
		}
		return false, nil
	case errors.Is(err, auth.ErrSkipped):
		return true, nil
	case errors.Is(err, auth.ErrCancelled):
		return false, err
	default:
		ui.AuthFailure(err)
		return false, err
	}
}

// ensureMEK loads the device master key, bootstrapping one on first
// authenticated run: pairing with an existing device when the server offers
// it, otherwise minting a fresh key locally.
func ensureMEK(ctx context.Context, logger *slog.Logger, client *auth.Client, creds *credentials.Store) (*crypto.SecretKey, error) {
	mek, err := creds.GetMEK()
	if err != nil {
		return nil, err
	}
	if mek != nil {
		return mek, nil
	}

	if mek = pairForMEK(ctx, logger, client); mek == nil {
		mek, err = crypto.GenerateMEK()
		if err != nil {
			return nil, err
		}
		logger.Info("generated new master encryption key")
	}

	if err := creds.StoreMEK(mek); err != nil {
		return nil, fmt.Errorf("failed to persist encryption key: %w", err)
	}
	return mek, nil
}

// pairForMEK attempts the ECDH pairing exchange; any failure falls back to
// local key generation.
func pairForMEK(ctx context.Context, logger *slog.Logger, client *auth.Client) *crypto.SecretKey {
	priv, pubRaw, err := crypto.GenerateECDHKeyPair()
	if err != nil {
		return nil
	}

	pairing, err := client.RequestPairing(ctx, hostName(), pubRaw)
	if err != nil {
		logger.Debug("pairing unavailable", "error", err)
		return nil
	}

	fmt.Printf("  To reuse your existing encryption key, open %s and enter %s\n",
		pairing.VerificationURI, pairing.PairingCode)

	mek, err := client.WaitForPairing(ctx, pairing, priv)
	if err != nil {
		logger.Debug("pairing did not complete", "error", err)
		return nil
	}
	logger.Info("received master encryption key via pairing")
	return mek
}

// tokenSource builds the transport's bearer supplier: cached token,
// refreshed when stale or when the transport demands a fresh one.
func tokenSource(logger *slog.Logger, client *auth.Client, creds *credentials.Store) relay.TokenFunc {
	return func(ctx context.Context, force bool) (string, error) {
		access, refresh, ok, err := creds.GetTokens()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errors.New("not authenticated")
		}

		if !force && !auth.TokenNeedsRefresh(access) {
			return access, nil
		}

		tokens, err := client.Refresh(ctx, refresh)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidGrant) {
				creds.ClearTokens()
				return "", err
			}
			// Transient refresh failure: use the stale token and let the
			// server decide.
			logger.Debug("token refresh failed, using stale token", "error", err)
			return access, nil
		}
		if err := creds.StoreTokens(tokens.AccessToken, tokens.RefreshToken); err != nil {
			logger.Warn("failed to persist refreshed tokens", "error", err)
		}
		return tokens.AccessToken, nil
	}
}

func hostName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "Unknown"
	}
	return name
}
