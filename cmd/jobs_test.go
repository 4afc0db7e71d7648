package cmd

import (
	"testing"
	"time"

	"go.olrik.dev/warden/internal/jobs"
)

func TestFormatJobs(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := started.Add(3 * time.Second)

	out := formatJobs([]jobs.Snapshot{
		{
			ID:          "a1",
			Description: "Start game server (main)",
			State:       "running",
			Percent:     50,
			Stage:       "waiting for the game server",
			StartedAt:   started,
		},
		{
			ID:          "b2",
			Description: "Swap deployment (main)",
			State:       "failed",
			Percent:     100,
			Stage:       "done",
			Error:       "no deployment available",
			StartedAt:   started,
			FinishedAt:  started.Add(250 * time.Millisecond),
		},
	}, now)

	want := "a1  running    50%  Start game server (main) (3s)\n" +
		"    waiting for the game server\n" +
		"b2  failed    100%  Swap deployment (main) (250ms)\n" +
		"    error: no deployment available\n"
	if out != want {
		t.Errorf("formatJobs() =\n%s\nwant\n%s", out, want)
	}
}
