// Package main provides the CLI entry point for klaas, the remote-access
// wrapper for interactive terminal agents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/klaas-sh/klaas/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger := logging.NewLogger(os.Getenv("KLAAS_LOG_LEVEL"), "text")

	var (
		agentID string
		resume  bool
		name    string
	)

	rootCmd := &cobra.Command{
		Use:   "klaas [-- agent args...]",
		Short: "klaas - remote access for terminal agents",
		Long: `klaas wraps an AI coding agent (or a shell) in a pseudo-terminal and
streams the session, end-to-end encrypted, to the klaas relay so you can
watch and steer it from any device.

Run klaas with no arguments to start your default agent. Arguments after
the flags are forwarded to the agent verbatim.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Host mode takes the terminal into raw mode; logs go to the
			// session log file, never stderr.
			sessionLogger, closeLog := logging.NewSessionLogger(os.Getenv("KLAAS_LOG_LEVEL"), "text")
			code, err := runHost(cmd.Context(), sessionLogger, hostParams{
				agentID:   agentID,
				resume:    resume,
				name:      name,
				agentArgs: args,
				version:   Version,
			})
			closeLog()
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent to run (see 'klaas agents')")
	rootCmd.Flags().BoolVarP(&resume, "resume", "r", false, "reuse the previous session instead of starting a new one")
	rootCmd.Flags().StringVarP(&name, "name", "n", "", "name for this session (1-20 chars, [A-Za-z0-9_-])")
	rootCmd.Flags().BoolP("version", "v", false, "print the version and exit")

	rootCmd.AddGroup(&cobra.Group{ID: "session", Title: "Sessions:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	agentsC := agentsCmd(logger)
	agentsC.GroupID = "session"
	rootCmd.AddCommand(agentsC)

	connectC := connectCmd()
	connectC.GroupID = "session"
	rootCmd.AddCommand(connectC)

	sessionsC := sessionsCmd()
	sessionsC.GroupID = "session"
	rootCmd.AddCommand(sessionsC)

	hookC := hookCmd(logger)
	rootCmd.AddCommand(hookC)

	uninstallC := uninstallCmd(logger)
	uninstallC.GroupID = "admin"
	rootCmd.AddCommand(uninstallC)

	upgradeC := upgradeCmd(logger)
	upgradeC.GroupID = "admin"
	rootCmd.AddCommand(upgradeC)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
