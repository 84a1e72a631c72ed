package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/klaas-sh/klaas/internal/api"
	"github.com/klaas-sh/klaas/internal/auth"
	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/credentials"
	"github.com/klaas-sh/klaas/internal/guest"
	"github.com/klaas-sh/klaas/internal/identity"
	"github.com/klaas-sh/klaas/internal/logging"
	"github.com/klaas-sh/klaas/internal/relay"
	"github.com/klaas-sh/klaas/internal/term"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect [session]",
		Short: "Connect to a session as a guest viewer",
		Long: `Connect to an existing session by ID or name and mirror its terminal.
Type a line and press Enter to send it to the host as a prompt; press
Ctrl-Q to leave. With no argument an interactive session list is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			// The viewer also takes the terminal into raw mode.
			logger, closeLog := logging.NewSessionLogger(os.Getenv("KLAAS_LOG_LEVEL"), "text")
			defer closeLog()

			creds := credentials.NewStore(logger)
			authClient := auth.NewClient(config.APIURL(), logger)
			tm := term.NewManager(logger)

			token, err := guestToken(ctx, logger, authClient, creds, tm)
			if err != nil {
				return err
			}

			sessionID := ""
			if len(args) == 1 {
				sessionID, err = lookupSession(ctx, token, args[0])
			} else {
				sessionID, err = pickSession(ctx, token)
			}
			if err != nil {
				return err
			}
			if sessionID == "" {
				return nil // user cancelled
			}

			return runGuest(ctx, logger, creds, authClient, tm, sessionID)
		},
	}
}

// guestToken ensures the guest is authenticated; guests cannot skip auth.
func guestToken(ctx context.Context, logger *slog.Logger, client *auth.Client, creds *credentials.Store, tm *term.Manager) (string, error) {
	offline, err := ensureAuthenticated(ctx, logger, client, creds, tm)
	if err != nil {
		return "", err
	}
	if offline {
		return "", fmt.Errorf("authentication is required to connect to a session")
	}
	access, _, _, err := creds.GetTokens()
	if err != nil {
		return "", err
	}
	return access, nil
}

// lookupSession resolves a session ID or name to a session ID.
func lookupSession(ctx context.Context, token, idOrName string) (string, error) {
	if !identity.IsValidULID(idOrName) && !identity.ValidateSessionName(idOrName) {
		return "", fmt.Errorf("%q is neither a session ID nor a valid session name", idOrName)
	}

	client := api.NewClient(config.APIURL(), token)
	s, err := client.GetSession(ctx, idOrName)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", fmt.Errorf("session not found: %s (run 'klaas sessions' to list)", idOrName)
	}
	return s.SessionID, nil
}

// runGuest attaches to the session and runs the viewer loop.
func runGuest(ctx context.Context, logger *slog.Logger, creds *credentials.Store, authClient *auth.Client, tm *term.Manager, sessionID string) error {
	mek, err := creds.GetMEK()
	if err != nil {
		return err
	}
	if mek == nil {
		return fmt.Errorf("this device holds no encryption key for the session; pair it first by starting a session here")
	}

	deviceID, err := creds.GetDeviceID()
	if err != nil || deviceID == "" {
		deviceID = identity.NewDeviceID()
		creds.StoreDeviceID(deviceID)
	}

	g, err := relay.NewGuest(relay.GuestOptions{
		WSURL:      config.WSURL(),
		SessionID:  sessionID,
		DeviceID:   deviceID,
		DeviceName: hostName(),
		MEK:        mek,
		Token:      tokenSource(logger, authClient, creds),
		Logger:     logging.WithComponent(logger, "relay"),
	})
	if err != nil {
		return err
	}
	defer g.Close()

	fmt.Printf("  Connecting to session %s...\n", sessionID)
	if err := g.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := tm.EnterRaw(); err != nil {
		return fmt.Errorf("terminal setup failed: %w", err)
	}
	defer tm.Close()

	err = guest.Run(ctx, guest.Options{Guest: g, Term: tm, Logger: logging.WithComponent(logger, "guest")})
	tm.Restore()
	fmt.Println()
	fmt.Println("  Disconnected from session.")
	if err != nil {
		fmt.Printf("  %v\n", err)
	}
	return nil
}
