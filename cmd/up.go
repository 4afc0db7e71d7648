package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/core"
	"go.olrik.dev/warden/internal/daemon"
)

func NewUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start the warden daemon",
		Long: `Start the warden daemon in the background.

On start the daemon reattaches to a game server left running by a previous
daemon. When there is nothing to reattach to and auto_start is set, it launches
the game server from the current deployment.

If the daemon is already running, this command reports its version.`,
		Aliases: []string{"boot"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if response, err := daemon.SendCommand("VERSION"); err == nil {
				var data daemon.VersionData
				if response.DecodeData(&data) == nil && data.Version != "" {
					slog.Info(fmt.Sprintf("Daemon is already running (version %s, pid %d)", core.FormatVersion(data.Version), data.PID))
					return
				}
				slog.Info("Daemon is already running")
				return
			}

			if err := ensureDaemon(); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			slog.Info("Daemon started successfully")
		},
	}
}
