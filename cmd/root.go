package cmd

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"go.olrik.dev/warden/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - game server watchdog",
		Long: `Warden - game server watchdog

Warden keeps one game server instance running: it launches the server from the
current deployment, restarts it after a crash, swaps in new deployments without
downtime and reattaches to the running server after its own restart.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.InitializeConfig(configPath, verbose); err != nil {
				return err
			}
			setupClientLogging(core.Config.Verbose)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", core.DefaultConfigPath(), "config path")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewUpCommand(),
		NewQuitCommand(),
		NewReloadCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewSwapCommand(),
		NewStatusCommand(),
		NewJobsCommand(),
		NewTopicCommand(),
		NewChatCommand(),
		NewBridgeCommand(),
		NewTokenCommand(),
		NewLogsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupClientLogging prints client messages through tint, without timestamps
func setupClientLogging(verbose int) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      core.LogLevel(verbose),
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(handler))
}
