package watchdog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.olrik.dev/warden/internal/session"
)

// State is the watchdog lifecycle state
type State int

const (
	Offline State = iota
	ReattachPending
	Starting
	Running
	Stopping
	Restarting
	Rebooting
	Crashed
)

func (s State) String() string {
	switch s {
	case Offline:
		return "Offline"
	case ReattachPending:
		return "ReattachPending"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Restarting:
		return "Restarting"
	case Rebooting:
		return "Rebooting"
	case Crashed:
		return "Crashed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for c := Offline; c <= Crashed; c++ {
		if strings.EqualFold(c.String(), string(b)) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Health values reported while Running
const (
	HealthOK      = "ok"
	HealthUnknown = "unknown" // last topic query got no answer
)

// Status is a snapshot of the watchdog
type Status struct {
	Instance           string    `json:"instance"`
	State              State     `json:"state"`
	PID                int       `json:"pid,omitempty"`
	Port               int       `json:"port,omitempty"`
	Slot               string    `json:"slot,omitempty"`
	Revision           string    `json:"revision,omitempty"`
	StartedAt          time.Time `json:"started_at,omitzero"`
	Swapping           bool      `json:"swapping,omitempty"`
	Health             string    `json:"health,omitempty"`
	LastExitCode       *int      `json:"last_exit_code,omitempty"`
	PersistencePending bool      `json:"persistence_pending,omitempty"`
	Queued             int       `json:"queued,omitempty"`
}

func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", s.Instance, s.State)
	if s.PID != 0 {
		fmt.Fprintf(&b, " (pid %d, port %d, %s slot", s.PID, s.Port, s.Slot)
		if s.Revision != "" {
			fmt.Fprintf(&b, ", revision %s", s.Revision)
		}
		b.WriteString(")")
	}
	if s.Swapping {
		b.WriteString(", deployment swap in progress")
	}
	if s.Health == HealthUnknown {
		b.WriteString(", not answering")
	}
	if s.LastExitCode != nil && s.PID == 0 {
		fmt.Fprintf(&b, ", last exit code %d", *s.LastExitCode)
	}
	return b.String()
}

// slot holds the sessions the watchdog owns. Its variants make invalid combinations, such
// as a staging session without a live one, unrepresentable.
type slot interface {
	isSlot()
}

type emptySlot struct{}

// startingSlot covers both fresh launches and reattach attempts
type startingSlot struct {
	launch *launch
}

type runningSlot struct {
	live session.Controller
}

// swappingSlot keeps live serving while staging starts with the new deployment
type swappingSlot struct {
	live    session.Controller
	staging *launch
}

type stoppingSlot struct {
	live session.Controller
}

func (emptySlot) isSlot()    {}
func (startingSlot) isSlot() {}
func (runningSlot) isSlot()  {}
func (swappingSlot) isSlot() {}
func (stoppingSlot) isSlot() {}

// launch is one LaunchNew or Reattach call running outside the transition loop. Its result
// fields are written before done is closed; everything else is owned by the loop.
type launch struct {
	slot      session.Slot
	reattach  *session.ReattachInfo
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	ctrl session.Controller
	err  error

	waiters []chan error
	handled bool
}

func (l *launch) addWaiter(reply chan error) {
	if reply != nil {
		l.waiters = append(l.waiters, reply)
	}
}

// resolve answers every waiter once
func (l *launch) resolve(err error) {
	for _, reply := range l.waiters {
		reply <- err
	}
	l.waiters = nil
}
