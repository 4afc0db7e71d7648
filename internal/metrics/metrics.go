// Package metrics records watchdog activity. The daemon exposes the Prometheus collector on
// /metrics; tests and metrics-less configurations use the noop collector.
package metrics

import (
	"time"
)

// Collector receives watchdog events. Implementations must be safe for concurrent use.
type Collector interface {
	// StateTransition records a watchdog state change
	StateTransition(instance, from, to string)

	// Launch records a launch attempt and how long it took to become ready
	Launch(instance, slot string, duration time.Duration, err error)

	// Crash records an unexpected game server exit
	Crash(instance string, exitCode int)

	// Swap records a deployment swap attempt
	Swap(instance string, err error)

	// TopicQuery records a topic round trip
	TopicQuery(command string, err error)

	// PersistenceFailure records a failed reattach store operation
	PersistenceFailure(instance, op string)

	// JobFinished records a finished background job
	JobFinished(state string, duration time.Duration)
}

type noopCollector struct{}

func (noopCollector) StateTransition(instance, from, to string)                       {}
func (noopCollector) Launch(instance, slot string, duration time.Duration, err error) {}
func (noopCollector) Crash(instance string, exitCode int)                             {}
func (noopCollector) Swap(instance string, err error)                                 {}
func (noopCollector) TopicQuery(command string, err error)                            {}
func (noopCollector) PersistenceFailure(instance, op string)                          {}
func (noopCollector) JobFinished(state string, duration time.Duration)                {}

// NewNoop returns a collector that discards everything
func NewNoop() Collector {
	return noopCollector{}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
