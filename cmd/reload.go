package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/daemon"
)

func NewReloadCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Restart the warden daemon without stopping the game server (hot reload)",
		Long: `Restart the warden daemon while the game server keeps running.

This command performs a hot reload by:
1. Saving the reattach information of the running game server
2. Stopping the current daemon without stopping the game server
3. Starting a new daemon that reattaches to the same game server

Use it to upgrade warden or to apply configuration changes that cannot be
applied while the daemon runs, such as the storage backend or the executable.

If the new daemon cannot reattach (the server died in the meantime or its access
token no longer matches), the instance is reported offline.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !daemon.IsRunning() {
				if !quiet {
					slog.Error("Daemon is not running. Use 'warden up' instead.")
				}
				os.Exit(1)
			}

			if !quiet {
				slog.Info("Reloading daemon (hot reload - the game server keeps running)...")
			}

			response, err := daemon.SendCommand("RELOAD")
			if err != nil {
				if !quiet {
					slog.Error(fmt.Sprintf("Failed to send reload command: %v", err))
				}
				os.Exit(1)
			}
			if !quiet {
				response.LogMessages()
			}

			if err := daemon.WaitForDaemonStop(); err != nil {
				if !quiet {
					slog.Warn(fmt.Sprintf("Daemon stop verification failed: %v", err))
				}
			}

			daemonCmd, err := daemon.StartDaemon()
			if err != nil {
				if !quiet {
					slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				}
				os.Exit(1)
			}
			if err := daemon.WaitForDaemon(daemonCmd); err != nil {
				if !quiet {
					slog.Error(fmt.Sprintf("Daemon failed to start: %v", err))
				}
				os.Exit(1)
			}

			if !quiet {
				slog.Info("Daemon reloaded successfully")
			}
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress output")

	return cmd
}
