package session

import (
	"context"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

const exitPollInterval = 500 * time.Millisecond

// pollExit calls onExit once pid no longer exists. It stops silently when ctx ends.
func pollExit(ctx context.Context, pid int, onExit func()) {
	go func() {
		ticker := time.NewTicker(exitPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			exists, err := gopsprocess.PidExistsWithContext(ctx, int32(pid))
			if ctx.Err() != nil {
				return
			}
			if err == nil && !exists {
				onExit()
				return
			}
			if err == nil {
				// Zombies still exist but will never run again
				if p, perr := gopsprocess.NewProcessWithContext(ctx, int32(pid)); perr == nil {
					if st, serr := p.StatusWithContext(ctx); serr == nil && len(st) > 0 && st[0] == gopsprocess.Zombie {
						onExit()
						return
					}
				}
			}
		}
	}()
}
