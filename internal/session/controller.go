// Package session launches game servers, reattaches to running ones and controls them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"go.olrik.dev/warden/internal/dmb"
	"go.olrik.dev/warden/internal/topic"
)

// Controller is the live binding between the manager and one game server process
type Controller interface {
	PID() int
	Slot() Slot
	// Port is the topic/game port the session listens on
	Port() int
	AccessToken() string
	LaunchParameters() LaunchParameters
	IsAlive() bool
	// ExitCode is valid once Exited is closed. The code is -1 for processes that were
	// not our child.
	ExitCode() (int, bool)
	Exited() <-chan struct{}
	// Terminate stops the process. Graceful asks over topic first, then SIGTERM, then
	// SIGKILL after the grace timeout. Cancelling ctx escalates to SIGKILL immediately.
	Terminate(ctx context.Context, graceful bool) error
	SendCommand(ctx context.Context, command string) (topic.Response, error)
	// Detach releases the process without stopping it
	Detach()
	ReattachInfo() ReattachInfo
}

// ControllerFactory creates controllers, either by launching or by reattaching
type ControllerFactory interface {
	LaunchNew(ctx context.Context, params LaunchParameters, deployment dmb.Provider, slot Slot) (Controller, error)
	Reattach(ctx context.Context, info ReattachInfo) (Controller, error)
}

// process is the Controller for a real OS process
type process struct {
	info    ReattachInfo
	address string
	sender  topic.Querier
	grace   time.Duration

	exited   chan struct{}
	exitOnce sync.Once
	exitCode atomic.Int64
	detached atomic.Bool

	stopWatch context.CancelFunc
}

func newProcess(info ReattachInfo, address string, sender topic.Querier, grace time.Duration) *process {
	return &process{
		info:      info,
		address:   address,
		sender:    sender,
		grace:     grace,
		exited:    make(chan struct{}),
		stopWatch: func() {},
	}
}

// markExited records the exit code and closes Exited once
func (p *process) markExited(code int) {
	p.exitOnce.Do(func() {
		p.exitCode.Store(int64(code))
		close(p.exited)
	})
}

func (p *process) PID() int                           { return p.info.PID }
func (p *process) Slot() Slot                         { return p.info.Slot }
func (p *process) Port() int                          { return p.info.Port }
func (p *process) AccessToken() string                { return p.info.AccessToken }
func (p *process) LaunchParameters() LaunchParameters { return p.info.Launch.Clone() }
func (p *process) Exited() <-chan struct{}            { return p.exited }
func (p *process) ReattachInfo() ReattachInfo         { return p.info.Clone() }

func (p *process) IsAlive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) ExitCode() (int, bool) {
	if p.IsAlive() {
		return 0, false
	}
	return int(p.exitCode.Load()), true
}

func (p *process) SendCommand(ctx context.Context, command string) (topic.Response, error) {
	if p.detached.Load() {
		return topic.Response{}, ErrDetached
	}
	if !p.IsAlive() {
		code, _ := p.ExitCode()
		return topic.Response{}, &ProcessExitError{PID: p.info.PID, ExitCode: code}
	}
	return p.sender.Query(ctx, p.address, p.info.Port, p.info.AccessToken, command)
}

func (p *process) Detach() {
	if p.detached.CompareAndSwap(false, true) {
		p.stopWatch()
		slog.Debug("Detached from game server", "pid", p.info.PID, "slot", p.info.Slot)
	}
}

func (p *process) Terminate(ctx context.Context, graceful bool) error {
	if p.detached.Load() {
		return ErrDetached
	}
	if !p.IsAlive() {
		return nil
	}

	pid := p.info.PID
	if graceful {
		if _, err := p.sender.Query(ctx, p.address, p.info.Port, p.info.AccessToken, "shutdown"); err != nil {
			slog.Debug("Topic shutdown request failed, signalling", "pid", pid, "error", err)
		} else if p.waitExit(ctx, p.grace) {
			slog.Info("Game server shut down gracefully", "pid", pid)
			return nil
		}

		if ctx.Err() == nil {
			p.signal(unix.SIGTERM)
			if p.waitExit(ctx, p.grace) {
				slog.Info("Game server terminated", "pid", pid)
				return nil
			}
		}

		slog.Warn(fmt.Sprintf("Game server %d did not exit within %v, forcing kill", pid, p.grace))
	}

	p.signal(unix.SIGKILL)

	// A SIGKILLed process is gone almost instantly; bound the wait in case it is stuck in the kernel
	select {
	case <-p.exited:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("game server %d survived SIGKILL", pid)
	}
}

// waitExit waits up to d for the process to exit. It returns false on timeout or ctx end.
func (p *process) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// signal delivers sig to the process group the server leads, falling back to the pid
func (p *process) signal(sig unix.Signal) {
	pid := p.info.PID
	err := unix.Kill(-pid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if err != nil && !errors.Is(err, unix.ESRCH) {
		slog.Warn("Failed to signal game server", "pid", pid, "signal", sig.String(), "error", err)
	}
}
