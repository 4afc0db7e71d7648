package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"go.olrik.dev/warden/internal/dmb"
	"go.olrik.dev/warden/internal/topic"
)

const (
	DefaultAddress         = "127.0.0.1"
	DefaultPingInterval    = 250 * time.Millisecond
	DefaultGracefulTimeout = 10 * time.Second

	// EnvAccessToken carries the session token to the game server alongside -params
	EnvAccessToken = "WARDEN_ACCESS_TOKEN"
	EnvTopicPort   = "WARDEN_TOPIC_PORT"
)

// Launcher is the ControllerFactory for real game server processes
type Launcher struct {
	InstanceID string
	Executable string
	// Env is appended to the manager's environment, KEY=VALUE
	Env    []string
	LogDir string
	// Address the game server's topic port is reached on
	Address         string
	Sender          topic.Querier
	GracefulTimeout time.Duration
	PingInterval    time.Duration
}

var _ ControllerFactory = (*Launcher)(nil)

func (l *Launcher) address() string {
	if l.Address == "" {
		return DefaultAddress
	}
	return l.Address
}

func (l *Launcher) grace() time.Duration {
	if l.GracefulTimeout <= 0 {
		return DefaultGracefulTimeout
	}
	return l.GracefulTimeout
}

func (l *Launcher) sender() topic.Querier {
	if l.Sender == nil {
		return &topic.Sender{}
	}
	return l.Sender
}

// NewAccessToken returns 32 random bytes, hex encoded
func NewAccessToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// LaunchNew starts a game server for deployment in slot and waits until it answers ping.
// Whatever went wrong, a process that was spawned is killed before the error is returned.
func (l *Launcher) LaunchNew(ctx context.Context, params LaunchParameters, deployment dmb.Provider, slot Slot) (Controller, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if l.Executable == "" {
		return nil, errors.New("no game server executable configured")
	}
	if deployment == nil {
		return nil, errors.New("no deployment to launch")
	}
	params = params.Clone()

	token, err := NewAccessToken()
	if err != nil {
		return nil, err
	}

	port := params.PortFor(slot)
	dir := slot.Directory(deployment)
	dmbPath := slot.DmbPath(deployment)

	logFile, err := l.openLog(slot)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Executable, params.Arguments(dmbPath, port, token)...)
	cmd.Dir = dir
	cmd.Env = append(slices.Clone(os.Environ()), l.Env...)
	cmd.Env = append(cmd.Env,
		EnvAccessToken+"="+token,
		fmt.Sprintf("%s=%d", EnvTopicPort, port),
	)
	// Own session: the server must outlive a manager restart
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	slog.Info("Launching game server",
		"instance", l.InstanceID,
		"slot", slot,
		"port", port,
		"revision", deployment.Revision(),
		"dmb", dmbPath)

	err = cmd.Start()
	// The child holds its own descriptor now
	logFile.Close()
	if err != nil {
		return nil, fmt.Errorf("start game server: %w", err)
	}

	pid := cmd.Process.Pid
	info := ReattachInfo{
		InstanceID:  l.InstanceID,
		PID:         pid,
		CreateTime:  createTime(ctx, pid),
		Port:        port,
		AccessToken: token,
		Launch:      params,
		Slot:        slot,
		Revision:    deployment.Revision(),
		Directory:   dir,
		DmbPath:     dmbPath,
		StartedAt:   time.Now(),
	}
	p := newProcess(info, l.address(), l.sender(), l.grace())

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		slog.Debug("Game server process exited", "pid", pid, "code", code)
		p.markExited(code)
	}()

	if err := l.waitReady(ctx, p, params.StartupTimeout); err != nil {
		// Leave no orphan behind
		p.signal(unix.SIGKILL)
		<-p.Exited()
		return nil, err
	}

	slog.Info("Game server ready", "instance", l.InstanceID, "pid", pid, "slot", slot)
	return p, nil
}

// waitReady pings until pong, the startup timeout, process exit or ctx cancellation
func (l *Launcher) waitReady(ctx context.Context, p *process, timeout time.Duration) error {
	interval := l.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}

	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pingCtx, pingCancel := context.WithTimeout(readyCtx, max(interval, time.Second))
		resp, err := p.sender.Query(pingCtx, p.address, p.info.Port, p.info.AccessToken, "ping")
		pingCancel()
		if err == nil && resp.Text == "pong" {
			return nil
		}
		if err != nil {
			slog.Debug("Game server not ready yet", "pid", p.info.PID, "error", err)
		}

		select {
		case <-p.Exited():
			code, _ := p.ExitCode()
			return fmt.Errorf("%w: %w", ErrStartupTimeout, &ProcessExitError{PID: p.info.PID, ExitCode: code})
		case <-readyCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("launch cancelled: %w", ctx.Err())
			}
			return fmt.Errorf("%w: no pong within %v", ErrStartupTimeout, timeout)
		case <-ticker.C:
		}
	}
}

func (l *Launcher) openLog(slot Slot) (*os.File, error) {
	dir := l.LogDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create game log directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", l.InstanceID, slot)
	if l.InstanceID == "" {
		name = fmt.Sprintf("game-%s.log", slot)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open game log: %w", err)
	}
	return f, nil
}

// Reattach takes over a game server started by a previous manager. The process must still
// exist with the persisted creation time and answer ping with the persisted token.
func (l *Launcher) Reattach(ctx context.Context, info ReattachInfo) (Controller, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReattachFailed, err)
	}

	pid := info.PID
	exists, err := gopsprocess.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return nil, fmt.Errorf("%w: process %d is not running", ErrReattachFailed, pid)
	}

	proc, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("%w: inspect process %d: %w", ErrReattachFailed, pid, err)
	}

	if info.CreateTime != 0 {
		created, err := proc.CreateTimeWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: read creation time of %d: %w", ErrReattachFailed, pid, err)
		}
		if created != info.CreateTime {
			return nil, fmt.Errorf("%w: pid %d was reused (created %d, expected %d)", ErrReattachFailed, pid, created, info.CreateTime)
		}
	}

	if info.DmbPath != "" {
		cmdline, err := proc.CmdlineSliceWithContext(ctx)
		if err == nil && !slices.Contains(cmdline, info.DmbPath) {
			slog.Debug("Process command line mismatch", "pid", pid, "expected", info.DmbPath, "actual", cmdline)
			return nil, fmt.Errorf("%w: pid %d is not running %s", ErrReattachFailed, pid, info.DmbPath)
		}
	}

	p := newProcess(info.Clone(), l.address(), l.sender(), l.grace())

	resp, err := p.sender.Query(ctx, p.address, info.Port, info.AccessToken, "ping")
	if err != nil {
		return nil, fmt.Errorf("%w: ping: %w", ErrReattachFailed, err)
	}
	if resp.Text != "pong" {
		return nil, fmt.Errorf("%w: unexpected ping reply %q", ErrReattachFailed, resp)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	p.stopWatch = cancel
	watchExit(watchCtx, pid, func() {
		slog.Debug("Reattached game server exited", "pid", pid)
		p.markExited(-1)
	})

	slog.Info("Reattached to game server", "instance", info.InstanceID, "pid", pid, "slot", info.Slot, "revision", info.Revision)
	return p, nil
}

func createTime(ctx context.Context, pid int) int64 {
	proc, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		slog.Warn("Could not inspect launched process", "pid", pid, "error", err)
		return 0
	}
	created, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		slog.Warn("Could not read process creation time", "pid", pid, "error", err)
		return 0
	}
	return created
}
