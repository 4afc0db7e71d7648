package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/daemon"
	"go.olrik.dev/warden/internal/jobs"
)

func NewJobsCommand() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List background operations",
		Long: `List the start, stop, restart and swap operations the daemon ran recently,
or show a single one.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("JOBS")
			if err != nil {
				slog.Error(errNotRunning.Error())
				os.Exit(1)
			}

			var snapshots []jobs.Snapshot
			if err := response.DecodeData(&snapshots); err != nil {
				slog.Error(fmt.Sprintf("Unexpected jobs response: %v", err))
				os.Exit(1)
			}
			if len(args) == 1 {
				snapshots = lo.Filter(snapshots, func(s jobs.Snapshot, _ int) bool { return s.ID == args[0] })
				if len(snapshots) == 0 {
					slog.Error(fmt.Sprintf("Job %s not found", args[0]))
					os.Exit(1)
				}
			}
			if len(snapshots) == 0 {
				slog.Info("No jobs found")
				return
			}
			fmt.Print(formatJobs(snapshots, time.Now()))
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running operation",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sendOrExit("JOB_CANCEL " + args[0])
		},
	}

	jobsCmd.AddCommand(cancelCmd)
	return jobsCmd
}

func formatJobs(snapshots []jobs.Snapshot, now time.Time) string {
	var b strings.Builder
	for _, s := range snapshots {
		end := now
		if !s.FinishedAt.IsZero() {
			end = s.FinishedAt
		}
		fmt.Fprintf(&b, "%s  %-9s %3d%%  %s (%s)\n", s.ID, s.State, s.Percent, s.Description, end.Sub(s.StartedAt).Round(time.Millisecond))
		if s.Stage != "" && s.FinishedAt.IsZero() {
			fmt.Fprintf(&b, "    %s\n", s.Stage)
		}
		if s.Error != "" {
			fmt.Fprintf(&b, "    error: %s\n", s.Error)
		}
	}
	return b.String()
}
