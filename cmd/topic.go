package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/daemon"
)

func NewTopicCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "topic <command> [args...]",
		Short: "Send a topic command to the running game server",
		Long: `Send a topic command to the running game server and print its answer.

The command is authenticated with the access token of the current session.`,
		Example: `  warden topic ping
  warden topic announce "Server restarting in 5 minutes"`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()
			response := sendOrExit("TOPIC " + strings.Join(args, " "))

			var data daemon.TopicData
			if err := response.DecodeData(&data); err == nil {
				slog.Debug(fmt.Sprintf("Game server answered with code %d", data.Code))
			}
		},
	}
}
