package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/klaas-sh/klaas/internal/api"
	"github.com/klaas-sh/klaas/internal/auth"
	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/credentials"
	"github.com/klaas-sh/klaas/internal/logging"
	"github.com/klaas-sh/klaas/internal/term"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions and connect to one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			logger, closeLog := logging.NewSessionLogger(os.Getenv("KLAAS_LOG_LEVEL"), "text")
			defer closeLog()

			creds := credentials.NewStore(logger)
			authClient := auth.NewClient(config.APIURL(), logger)
			tm := term.NewManager(logger)

			token, err := guestToken(ctx, logger, authClient, creds, tm)
			if err != nil {
				return err
			}

			sessionID, err := pickSession(ctx, token)
			if err != nil {
				return err
			}
			if sessionID == "" {
				return nil
			}
			return runGuest(ctx, logger, creds, authClient, tm, sessionID)
		},
	}
}

// pickSession shows the interactive session list and returns the selected
// session ID, or "" when the user cancels.
func pickSession(ctx context.Context, token string) (string, error) {
	client := api.NewClient(config.APIURL(), token)
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		fmt.Println("  No sessions found. Start one with 'klaas'.")
		return "", nil
	}

	options := make([]huh.Option[string], 0, len(sessions))
	for _, s := range sessions {
		options = append(options, huh.NewOption(describeSession(s), s.SessionID))
	}

	var selected string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Sessions").
			Options(options...).
			Value(&selected),
	))
	if err := form.RunWithContext(ctx); err != nil {
		// ctrl-c in the picker is a cancel, not a failure
		return "", nil
	}
	return selected, nil
}

func describeSession(s api.Session) string {
	label := s.SessionID
	if s.Name != "" {
		label = s.Name
	}

	status := "offline"
	if s.Active {
		status = "live"
	}

	detail := s.DeviceName
	if s.CWD != "" {
		detail += " · " + s.CWD
	}
	if t, err := time.Parse(time.RFC3339, s.LastSeen); err == nil {
		detail += " · " + humanize.Time(t)
	}

	return fmt.Sprintf("%s [%s] %s", label, status, detail)
}
