package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/daemon"
	"go.olrik.dev/warden/internal/db"
	"go.olrik.dev/warden/internal/watchdog"
)

func NewStatusCommand() *cobra.Command {
	var events int

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the game server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			command := "STATUS"
			if events > 0 {
				command = fmt.Sprintf("STATUS %d", events)
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Warn("Game server is not supervised (daemon is not running).")
				return
			}

			var data daemon.StatusData
			if err := response.DecodeData(&data); err != nil {
				slog.Error(fmt.Sprintf("Unexpected status response: %v", err))
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Print(formatStatus(data.Status, time.Now()))
				if len(data.Events) > 0 {
					fmt.Println("Recent events:")
					fmt.Print(formatEvents(data.Events))
				}
			case "json":
				jsonBytes, _ := json.Marshal(data)
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")
	statusCmd.Flags().IntVarP(&events, "events", "e", 0, "Number of recent instance events to show")

	return statusCmd
}

func formatStatus(s watchdog.Status, now time.Time) string {
	var b strings.Builder
	fmt.Fprintln(&b, s.String())
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "  Uptime: %s\n", now.Sub(s.StartedAt).Round(time.Second))
	}
	if s.PersistencePending {
		fmt.Fprintln(&b, "  Reattach information not saved yet, retrying")
	}
	if s.Queued > 0 {
		fmt.Fprintf(&b, "  %d operation(s) waiting\n", s.Queued)
	}
	return b.String()
}

func formatEvents(events []db.InstanceEvent) string {
	var b strings.Builder
	for _, ev := range events {
		line := fmt.Sprintf("  %s  %-10s", ev.Timestamp.Local().Format(time.DateTime), ev.EventType)
		if ev.Details != "" {
			line += "  " + ev.Details
		}
		fmt.Fprintln(&b, strings.TrimRight(line, " "))
	}
	return b.String()
}
