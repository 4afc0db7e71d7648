package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

func NewChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <command> [args...]",
		Short: "Run a chat command as an administrator",
		Long: `Run one of the commands the chat bot answers, such as "status" or "restart",
from the terminal. The command runs with administrator rights.`,
		Example: `  warden chat help
  warden chat status`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sendOrExit("CHAT " + strings.Join(args, " "))
		},
	}
}
