package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/klaas-sh/klaas/internal/agents"
	"github.com/klaas-sh/klaas/internal/analytics"
	"github.com/klaas-sh/klaas/internal/config"
	"github.com/klaas-sh/klaas/internal/credentials"
	"github.com/klaas-sh/klaas/internal/hook"
	"github.com/klaas-sh/klaas/internal/update"
)

func agentsCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List installed agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(logger)
			registry := agents.NewRegistry(cfg)

			installed := registry.Installed()
			if len(installed) == 0 {
				fmt.Println("  No supported agents found on PATH.")
				return nil
			}

			fmt.Println()
			for _, a := range installed {
				hooks := ""
				if a.SupportsHooks() {
					hooks = " (hooks)"
				}
				fmt.Printf("  %-10s %s%s\n", a.ID, a.Name, hooks)
			}
			fmt.Println()
			return nil
		},
	}
}

func hookCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:    "hook <event>",
		Short:  "Handle an agent hook callback (called by agents, not users)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hook.Run(cmd.Context(), args[0], logger)
		},
	}
}

func uninstallCmd(logger *slog.Logger) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "uninstall [--purge]",
		Short: "Remove klaas state from this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := credentials.NewStore(logger)

			if purge {
				if err := creds.Purge(); err != nil {
					return err
				}
				fmt.Println("  Removed all credentials, including the encryption key.")
				fmt.Println("  Previously encrypted sessions are no longer readable from this device.")
			} else {
				if err := creds.ClearTokens(); err != nil {
					return err
				}
				if err := creds.ClearSessionID(); err != nil {
					return err
				}
				fmt.Println("  Signed out. The encryption key was kept; use --purge to remove it.")
			}

			os.Remove(analytics.MarkerPath())
			fmt.Println("  Now delete the klaas binary to finish uninstalling.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also remove the encryption key and device identity")
	return cmd
}

func upgradeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Update klaas to the latest version",
		RunE: func(cmd *cobra.Command, args []string) error {
			checker := update.NewChecker(Version, logger)
			return checker.Upgrade(cmd.Context())
		},
	}
}
