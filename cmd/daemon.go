package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the warden daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetCount("verbose")
			d := daemon.New(verbose)
			d.Run()
		},
	}

	return daemonCmd
}
