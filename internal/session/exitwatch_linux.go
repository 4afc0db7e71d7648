//go:build linux

package session

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"
)

// watchExit calls onExit once pid terminates, using a pidfd so no polling is needed.
// Kernels without pidfd support fall back to polling.
func watchExit(ctx context.Context, pid int, onExit func()) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			onExit()
			return
		}
		slog.Debug("pidfd unavailable, polling for exit", "pid", pid, "error", err)
		pollExit(ctx, pid, onExit)
		return
	}

	go func() {
		defer unix.Close(fd)
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			// Wake up periodically to notice ctx
			n, err := unix.Poll(fds, int(exitPollInterval.Milliseconds()))
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				slog.Warn("pidfd poll failed, polling for exit", "pid", pid, "error", err)
				pollExit(ctx, pid, onExit)
				return
			}
			if n > 0 {
				onExit()
				return
			}
		}
	}()
}
