package watchdog

import (
	"context"
	"fmt"
	"log/slog"

	"go.olrik.dev/warden/internal/chat"
	"go.olrik.dev/warden/internal/jobs"
)

const chatHelp = "Commands: status, start, stop, restart, help"

// handleChatCommand answers admin channel commands. It never does network I/O: status comes
// from the snapshot and state changes become jobs.
func (w *Watchdog) handleChatCommand(ctx context.Context, cmd chat.Command) (string, error) {
	switch cmd.Name {
	case "status", "start", "stop", "restart", "help":
	default:
		return "", chat.ErrUnknownCommand
	}
	if !cmd.Channel.IsAdminChannel {
		return "That command is only available in admin channels.", nil
	}

	slog.Debug("Chat command", "instance", w.instance, "command", cmd.Name, "sender", cmd.Sender, "channel", cmd.Channel.FriendlyName)

	switch cmd.Name {
	case "status":
		return w.Status().String(), nil
	case "start":
		return queued("Start", w.StartJob()), nil
	case "stop":
		return queued("Stop", w.StopJob()), nil
	case "restart":
		return queued("Restart", w.RestartJob()), nil
	default:
		return chatHelp, nil
	}
}

func queued(what string, job *jobs.Job) string {
	return fmt.Sprintf("%s queued (job %s)", what, job.ID())
}

func (w *Watchdog) StartJob() *jobs.Job {
	return w.runJob("Start game server", w.Start)
}

func (w *Watchdog) StopJob() *jobs.Job {
	return w.runJob("Stop game server", w.Stop)
}

func (w *Watchdog) RestartJob() *jobs.Job {
	return w.runJob("Restart game server", w.Restart)
}

func (w *Watchdog) SwapJob() *jobs.Job {
	return w.runJob("Swap deployment", w.Swap)
}

// runJob submits op as a job. A failed job carries the user-facing reason; the full error
// is logged here.
func (w *Watchdog) runJob(description string, op func(context.Context) error) *jobs.Job {
	return w.cfg.Jobs.Run(fmt.Sprintf("%s (%s)", description, w.instance), func(ctx context.Context, progress jobs.Progress) error {
		progress(0, description)
		if err := op(ctx); err != nil {
			slog.Error("Job failed", "instance", w.instance, "job", description, "error", err)
			return &OperationError{Message: UserMessage(err), Err: err}
		}
		return nil
	})
}
