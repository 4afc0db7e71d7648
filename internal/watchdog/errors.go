package watchdog

import (
	"context"
	"errors"
	"fmt"

	"go.olrik.dev/warden/internal/dmb"
	"go.olrik.dev/warden/internal/session"
	"go.olrik.dev/warden/internal/topic"
)

var (
	ErrInvalidConfig  = errors.New("invalid watchdog configuration")
	ErrClosed         = errors.New("watchdog closed")
	ErrNotRunning     = errors.New("game server is not running")
	ErrAlreadyRunning = errors.New("game server is already running")
	ErrBusy           = errors.New("another operation is in progress")
	ErrRebooting      = errors.New("manager is restarting")
	ErrAborted        = errors.New("operation aborted")
)

// OperationError carries the short user-facing reason for a failed operation. The full
// error is kept for errors.Is and logging.
type OperationError struct {
	Message string
	Err     error
}

func (e *OperationError) Error() string { return e.Message }
func (e *OperationError) Unwrap() error { return e.Err }

var userSentinels = []error{ErrNotRunning, ErrAlreadyRunning, ErrBusy, ErrRebooting, ErrAborted, ErrClosed}

// UserMessage returns the short reason shown in chat and job listings. Internal faults such
// as persistence or protocol errors become "operation failed".
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var verr *session.ValidationError
	var exitErr *session.ProcessExitError
	var opErr *OperationError
	switch {
	case errors.As(err, &opErr):
		return opErr.Message
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, session.ErrStartupTimeout) && errors.As(err, &exitErr):
		if exitErr.ExitCode >= 0 {
			return fmt.Sprintf("game server exited during startup (code %d)", exitErr.ExitCode)
		}
		return "game server exited during startup"
	case errors.Is(err, session.ErrStartupTimeout):
		return "game server did not start in time"
	case errors.Is(err, session.ErrReattachFailed):
		return "could not reattach to the running game server"
	case errors.Is(err, topic.ErrTimeout):
		return "game server did not answer"
	case errors.Is(err, dmb.ErrNoDeployment):
		return "no deployment available"
	}

	for _, s := range userSentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "operation cancelled"
	}
	return "operation failed"
}
