package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.olrik.dev/warden/internal/chat"
	"go.olrik.dev/warden/internal/dmb"
	"go.olrik.dev/warden/internal/host"
	"go.olrik.dev/warden/internal/jobs"
	"go.olrik.dev/warden/internal/metrics"
	"go.olrik.dev/warden/internal/reattach"
	"go.olrik.dev/warden/internal/session"
)

const (
	DefaultPersistRetryInterval = 30 * time.Second
	persistTimeout              = 5 * time.Second
	notifyTimeout               = 10 * time.Second
)

// Chat is what the watchdog needs from the chat manager
type Chat interface {
	RegisterCommandHandler(h chat.CommandHandler) chat.Registration
	Broadcast(ctx context.Context, sel chat.Selector, text string) error
}

// JobRunner runs long operations in the background
type JobRunner interface {
	Run(description string, work jobs.Work) *jobs.Job
}

// RestartRegistrar notifies registered handlers before the manager restarts
type RestartRegistrar interface {
	RegisterForRestart(h host.RestartHandler) host.Registration
}

// EventRecorder keeps a lifecycle event log. *db.DB satisfies it.
type EventRecorder interface {
	LogInstanceEvent(instanceID, eventType, details string) error
}

// Config lists the watchdog's collaborators. Everything up to Host is required.
type Config struct {
	InstanceID  string
	Launch      session.LaunchParameters
	Factory     session.ControllerFactory
	Deployments dmb.Source
	Store       reattach.Store
	Chat        Chat
	Jobs        JobRunner
	Host        RestartRegistrar

	// Updates delivers newly activated deployments
	Updates <-chan dmb.Provider
	Metrics metrics.Collector
	Events  EventRecorder
	// Notify selects the channels lifecycle notifications go to, all channels by default
	Notify chat.Selector

	AutoStart   bool
	AutoRestart bool

	PersistRetryInterval time.Duration
}

// validate reports every problem at once
func (c Config) validate() error {
	var errs []error
	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance id is required"))
	}
	if err := c.Launch.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("launch parameters: %w", err))
	}
	if c.Factory == nil {
		errs = append(errs, errors.New("session controller factory is required"))
	}
	if c.Deployments == nil {
		errs = append(errs, errors.New("deployment source is required"))
	}
	if c.Store == nil {
		errs = append(errs, errors.New("reattach store is required"))
	}
	if c.Chat == nil {
		errs = append(errs, errors.New("chat manager is required"))
	}
	if c.Jobs == nil {
		errs = append(errs, errors.New("job runner is required"))
	}
	if c.Host == nil {
		errs = append(errs, errors.New("host restart registrar is required"))
	}
	if c.PersistRetryInterval < 0 {
		errs = append(errs, errors.New("persistence retry interval must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
