package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/daemon"
	"go.olrik.dev/warden/internal/interop"
)

func NewBridgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "bridge <payload>",
		Short:  "Deliver a message from the game server to the daemon",
		Long:   `Called by the game server to hand a payload to the daemon. Always exits 0.`,
		Hidden: true,
		Args:   cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("BRIDGE " + interop.JoinArgs(args)); err != nil {
				slog.Debug("Bridge payload dropped", "error", err)
			}
		},
	}
}
