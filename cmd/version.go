package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/core"
	"go.olrik.dev/warden/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientFormatted := core.FormatVersion(core.Version)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}

			var data daemon.VersionData
			if err := response.DecodeData(&data); err != nil || data.Version == "" {
				fmt.Fprintln(os.Stderr, "Daemon: unknown version")
				return
			}
			daemonFormatted := core.FormatVersion(data.Version)
			fmt.Fprintf(os.Stderr, "Daemon version: %s (pid %d, protocol %d)\n", daemonFormatted, data.PID, data.Protocol)

			if data.Protocol != core.ProtocolVersion {
				slog.Warn(fmt.Sprintf("Protocol mismatch! Client speaks %d, daemon speaks %d. Run 'warden reload'.", core.ProtocolVersion, data.Protocol))
			} else if data.Version != core.Version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Run 'warden reload' to upgrade the daemon.", clientFormatted, daemonFormatted))
			}
		},
	}

	return versionCmd
}
