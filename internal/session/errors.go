package session

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupTimeout is returned when a launched server never answers ping in time, or
	// exits before it does
	ErrStartupTimeout = errors.New("game server did not become ready")
	// ErrReattachFailed is returned when persisted reattach information no longer matches a
	// live, responsive game server
	ErrReattachFailed = errors.New("reattach failed")
	// ErrDetached is returned by operations on a controller that was detached
	ErrDetached = errors.New("session detached")
)

// ProcessExitError reports a game server that exited. ExitCode is -1 when the process was
// not our child and the code could not be observed.
type ProcessExitError struct {
	PID      int
	ExitCode int
}

func (e *ProcessExitError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("game server (pid %d) exited", e.PID)
	}
	return fmt.Sprintf("game server (pid %d) exited with code %d", e.PID, e.ExitCode)
}
