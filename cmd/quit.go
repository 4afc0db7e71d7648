package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/daemon"
)

func NewQuitCommand() *cobra.Command {
	quitCmd := &cobra.Command{
		Use:     "quit",
		Aliases: []string{"down", "shutdown"},
		Short:   "Stop the game server and shut down the daemon",
		Long: `Stops the game server and shuts down the warden daemon.

To restart the daemon without stopping the game server, use 'warden reload'.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()
			response, err := daemon.SendCommand("QUIT")
			if err != nil {
				slog.Error("Could not connect to daemon. Nothing to stop.")
				os.Exit(1)
			}
			response.LogMessages()

			if err := daemon.WaitForDaemonStop(); err != nil {
				slog.Warn(err.Error())
				return
			}
			slog.Debug("Daemon shutdown confirmed")
		},
	}

	return quitCmd
}
