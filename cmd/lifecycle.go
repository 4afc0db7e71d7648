package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/daemon"
)

type lifecycleCommand struct {
	use     string
	command string
	aliases []string
	short   string
	long    string

	// autoStartDaemon boots the daemon first when it is not running
	autoStartDaemon bool
}

func newLifecycleCommand(lc lifecycleCommand) *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:     lc.use,
		Aliases: lc.aliases,
		Short:   lc.short,
		Long:    lc.long,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if lc.autoStartDaemon {
				if err := ensureDaemon(); err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
			} else {
				daemon.CheckVersionMismatch()
			}

			command := lc.command
			if !noWait {
				command += " wait"
			}
			response := sendOrExit(command)

			if noWait {
				var job daemon.JobData
				if err := response.DecodeData(&job); err == nil && job.JobID != "" {
					slog.Info(fmt.Sprintf("Follow progress with 'warden jobs %s'", job.JobID))
				}
			}
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Queue the operation and return immediately")

	return cmd
}

func NewStartCommand() *cobra.Command {
	return newLifecycleCommand(lifecycleCommand{
		use:     "start",
		command: "START",
		short:   "Launch the game server",
		long: `Launch the game server from the current deployment.

The daemon is started first if it is not running. The command waits until the
game server answers or the startup timeout passes; use --no-wait to return as
soon as the operation is queued.`,
		autoStartDaemon: true,
	})
}

func NewStopCommand() *cobra.Command {
	return newLifecycleCommand(lifecycleCommand{
		use:     "stop",
		command: "STOP",
		short:   "Stop the game server",
		long: `Stop the game server gracefully, killing it if it does not exit in time.

A launch that is still in progress is aborted. The daemon keeps running; use
'warden quit' to shut it down as well.`,
	})
}

func NewRestartCommand() *cobra.Command {
	return newLifecycleCommand(lifecycleCommand{
		use:     "restart",
		command: "RESTART",
		short:   "Restart the game server",
		long: `Stop the game server and launch it again with the current launch
parameters. An offline instance is simply started.`,
		autoStartDaemon: true,
	})
}

func NewSwapCommand() *cobra.Command {
	return newLifecycleCommand(lifecycleCommand{
		use:     "swap",
		command: "SWAP",
		aliases: []string{"deploy"},
		short:   "Swap the running game server onto the newest deployment",
		long: `Launch the newest deployment in the standby slot and, once it answers,
promote it and stop the old server.

If the new deployment fails to start, the running server is left untouched.`,
	})
}
