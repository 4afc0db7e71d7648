package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"go.olrik.dev/warden/internal/chat"
	"go.olrik.dev/warden/internal/core"
	"go.olrik.dev/warden/internal/db"
	"go.olrik.dev/warden/internal/interop"
	"go.olrik.dev/warden/internal/jobs"
	"go.olrik.dev/warden/internal/session"
	"go.olrik.dev/warden/internal/topic"
	"go.olrik.dev/warden/internal/watchdog"
)

const (
	shutdownTimeout = 30 * time.Second
	// maxCommandLine bounds one socket command, bridge payloads included
	maxCommandLine = 1 << 20
)

// Supervisor is the watchdog surface the socket commands drive
type Supervisor interface {
	Resume(ctx context.Context) error
	Status() watchdog.Status
	StartJob() *jobs.Job
	StopJob() *jobs.Job
	RestartJob() *jobs.Job
	SwapJob() *jobs.Job
	SendCommand(ctx context.Context, text string) (topic.Response, error)
	SetLaunchParameters(p session.LaunchParameters) error
	SetAutoRestart(enabled bool)
	Close(ctx context.Context) error
}

// Restarter runs the registered manager restart handlers
type Restarter interface {
	Restart(ctx context.Context) error
}

// Dispatcher routes a chat command line to the registered handlers
type Dispatcher interface {
	Dispatch(ctx context.Context, channel chat.Channel, sender, text string) (string, error)
	Close(ctx context.Context) error
}

// Daemon supervises one game server instance and serves the control socket
type Daemon struct {
	supervisor   Supervisor
	host         Restarter
	jobs         *jobs.Manager
	chat         Dispatcher
	bridge       *interop.Endpoint
	database     *db.DB
	logBroadcast *LogBroadcaster
	logLevel     slog.LevelVar
	flagVerbose  int
	listener     net.Listener
	lock         *flock.Flock
	httpServer   *http.Server
	closers      []io.Closer
	shutdownOnce sync.Once
	ctx          context.Context
	cancelFunc   context.CancelFunc

	// exit ends the process after QUIT and RELOAD
	exit func(code int)
}

// StatusData is the STATUS payload
type StatusData struct {
	Status watchdog.Status    `json:"status"`
	Events []db.InstanceEvent `json:"events,omitempty"`
}

// JobData identifies the job a lifecycle command queued
type JobData struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// TopicData is the TOPIC payload
type TopicData struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

type VersionData struct {
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
	PID      int    `json:"pid"`
}

// consoleChannel is the channel chat commands sent over the socket appear to come from
var consoleChannel = chat.Channel{
	FriendlyName:   "console",
	ConnectionName: "socket",
	IsAdminChannel: true,
	Provider:       "console",
}

// New creates a daemon for core.Config. flagVerbose is the -v count given on the command
// line, kept across config reloads.
func New(flagVerbose int) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		flagVerbose:  flagVerbose,
		logBroadcast: NewLogBroadcaster(core.Config.Logs.History),
		ctx:          ctx,
		cancelFunc:   cancel,
		exit:         os.Exit,
	}
}

// Run starts the daemon and serves the control socket until QUIT, RELOAD or a signal
func (d *Daemon) Run() {
	d.setupLogging(core.LogLevel(core.Config.Verbose))

	if err := d.acquireLock(); err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		os.Exit(1)
	}

	database, err := db.Open(core.GetDatabasePath())
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", core.GetDatabasePath())
	} else {
		d.database = database
		slog.Info("Database opened", "path", database.Path())
		version := core.FormatVersion(core.Version)
		if err := d.database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	if err := d.setup(d.ctx); err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		d.shutdown(false)
		os.Exit(1)
	}

	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	listener, err := listen(socketPath)
	if err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		d.shutdown(true)
		os.Exit(1)
	}
	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)

	d.listener = listener
	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	d.watchConfig()

	// Reattach or auto start; a reattach can take up to the startup timeout
	go func() {
		if err := d.resume(d.ctx); err != nil {
			slog.Error("Could not resume the game server", "error", err, "reason", watchdog.UserMessage(err))
		}
	}()

	shutdownChan := make(chan os.Signal, 1)
	hupChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	signal.Notify(hupChan, syscall.SIGHUP)

	go func() {
		sig := <-shutdownChan
		detach := core.Config.Instance.DetachOnShutdown
		slog.Info("Shutdown signal received", "signal", sig.String(), "detach", detach)
		d.shutdown(detach)
		d.exit(0)
	}()

	go func() {
		for {
			select {
			case <-hupChan:
				slog.Info("SIGHUP received, reloading configuration")
				if err := d.reloadConfig(); err != nil {
					slog.Debug("Config reload failed", "error", err)
				}
			case <-d.ctx.Done():
				return
			}
		}
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}
}

// listen creates the socket listener, removing a stale socket file left by a dead daemon
func listen(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	if conn, dialErr := net.Dial("unix", socketPath); dialErr == nil {
		conn.Close()
		return nil, errors.New("daemon is already running")
	}
	slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
	if err := os.Remove(socketPath); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	return net.Listen("unix", socketPath)
}

// acquireLock takes the daemon lock so two managers never supervise one instance
func (d *Daemon) acquireLock() error {
	if err := os.MkdirAll(core.Config.ConfigPath, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	lock := flock.New(core.GetLockFilePath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another warden daemon holds %s", lock.Path())
	}
	d.lock = lock
	return nil
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCommandLine)
	if !scanner.Scan() {
		return
	}

	line := strings.TrimSpace(scanner.Text())
	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	if command == "" {
		return
	}

	switch command {
	case "VERSION", "STATUS", "LOGS":
		slog.Debug(fmt.Sprintf("Executing command: %s", command))
	case "BRIDGE":
		slog.Debug("Executing command: BRIDGE", "bytes", len(rest))
	default:
		if rest != "" {
			slog.Info(fmt.Sprintf("Executing command: %s %s", command, rest))
		} else {
			slog.Info(fmt.Sprintf("Executing command: %s", command))
		}
	}

	var response Response
	switch command {
	case "STATUS":
		response = d.getStatus(args)
	case "START":
		response = d.runLifecycleJob("Start", d.supervisor.StartJob, args)
	case "STOP":
		response = d.runLifecycleJob("Stop", d.supervisor.StopJob, args)
	case "RESTART":
		response = d.runLifecycleJob("Restart", d.supervisor.RestartJob, args)
	case "SWAP":
		response = d.runLifecycleJob("Swap", d.supervisor.SwapJob, args)
	case "JOBS":
		response = d.listJobs()
	case "JOB_CANCEL":
		if len(args) == 1 {
			response = d.cancelJob(args[0])
		} else {
			response.AddMessage("Usage: JOB_CANCEL <job-id>", StatusError)
		}
	case "TOPIC":
		if rest == "" {
			response.AddMessage("Usage: TOPIC <command>", StatusError)
		} else {
			response = d.sendTopic(rest)
		}
	case "CHAT":
		if rest == "" {
			response.AddMessage("Usage: CHAT <command> [args...]", StatusError)
		} else {
			response = d.dispatchChat(rest)
		}
	case "BRIDGE":
		response = d.handleBridge(rest)
	case "VERSION":
		response = d.getVersion()
	case "RELOAD":
		// Hot reload: the game server stays up and the next daemon reattaches
		response.AddMessage("Detaching from the game server, shutting down for reload", StatusInfo)
		conn.Write([]byte(response.ToJSON()))
		slog.Info("Reload command received. Shutting down without stopping the game server...")
		d.shutdown(true)
		d.exit(0)
		return
	case "QUIT":
		response.AddMessage("Stopping the game server and shutting down the daemon...", StatusInfo)
		conn.Write([]byte(response.ToJSON()))
		slog.Info("Quit command received. Shutting down daemon.")
		d.shutdown(false)
		d.exit(0)
		return
	case "LOGS":
		historyLines := 20
		showHistory := true
		for _, a := range args {
			if n, err := strconv.Atoi(a); err == nil {
				historyLines = n
			}
			if a == "no_history" {
				showHistory = false
			}
		}
		d.handleLogs(conn, showHistory, historyLines)
		return
	default:
		response.AddMessage("Unknown command.", StatusError)
	}
	conn.Write([]byte(response.ToJSON()))
}

func (d *Daemon) getStatus(args []string) Response {
	response := Response{}
	data := StatusData{Status: d.supervisor.Status()}

	if len(args) > 0 && d.database != nil {
		if limit, err := strconv.Atoi(args[0]); err == nil && limit > 0 {
			events, err := d.database.GetRecentInstanceEvents(data.Status.Instance, limit)
			if err != nil {
				response.AddMessage(fmt.Sprintf("Could not read events: %v", err), StatusWarn)
			}
			data.Events = events
		}
	}

	response.AddMessage("OK", StatusInfo)
	response.AddData(data)
	return response
}

// runLifecycleJob queues a job. With the "wait" argument the response is sent once the job
// has finished.
func (d *Daemon) runLifecycleJob(what string, run func() *jobs.Job, args []string) Response {
	response := Response{}
	job := run()

	wait := len(args) > 0 && args[0] == "wait"
	if !wait {
		response.AddMessage(fmt.Sprintf("%s queued (job %s)", what, job.ID()), StatusInfo)
		response.AddData(JobData{JobID: job.ID(), State: job.State().String()})
		return response
	}

	err := job.Wait(d.ctx)
	response.AddData(JobData{JobID: job.ID(), State: job.State().String()})
	if err != nil {
		response.AddMessage(fmt.Sprintf("%s failed: %s", what, watchdog.UserMessage(err)), StatusError)
		return response
	}
	response.AddMessage(fmt.Sprintf("%s finished", what), StatusInfo)
	response.AddMessage(d.supervisor.Status().String(), StatusInfo)
	return response
}

func (d *Daemon) listJobs() Response {
	response := Response{}
	snapshots := d.jobs.List()
	if len(snapshots) == 0 {
		response.AddMessage("No jobs found", StatusWarn)
	} else {
		response.AddMessage("OK", StatusInfo)
	}
	response.AddData(snapshots)
	return response
}

func (d *Daemon) cancelJob(id string) Response {
	response := Response{}
	if err := d.jobs.Cancel(id); err != nil {
		response.AddMessage(fmt.Sprintf("Could not cancel job %s: %v", id, err), StatusError)
		return response
	}
	response.AddMessage(fmt.Sprintf("Job %s cancelled", id), StatusInfo)
	return response
}

func (d *Daemon) sendTopic(text string) Response {
	response := Response{}
	ctx, cancel := context.WithTimeout(d.ctx, core.Config.Topic.Timeout+time.Second)
	defer cancel()

	resp, err := d.supervisor.SendCommand(ctx, text)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Topic command failed: %s", watchdog.UserMessage(err)), StatusError)
		return response
	}
	status := StatusInfo
	if !resp.OK() {
		status = StatusWarn
	}
	response.AddMessage(resp.Text, status)
	response.AddData(TopicData{Code: resp.Code, Text: resp.Text})
	return response
}

func (d *Daemon) dispatchChat(text string) Response {
	response := Response{}
	if d.chat == nil {
		response.AddMessage("Chat is not configured", StatusError)
		return response
	}
	reply, err := d.chat.Dispatch(d.ctx, consoleChannel, os.Getenv("USER"), text)
	if errors.Is(err, chat.ErrUnknownCommand) {
		response.AddMessage("Unknown chat command, try \"help\"", StatusWarn)
		return response
	}
	if err != nil {
		response.AddMessage(fmt.Sprintf("Chat command failed: %v", err), StatusError)
		return response
	}
	response.AddMessage(reply, StatusInfo)
	return response
}

// handleBridge forwards the payload to the interop endpoint, which never fails
func (d *Daemon) handleBridge(payload string) Response {
	response := Response{}
	if d.bridge != nil {
		d.bridge.Ingest(d.ctx, payload)
	}
	response.AddMessage("OK", StatusInfo)
	return response
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(VersionData{
		Version:  core.Version,
		Protocol: core.ProtocolVersion,
		PID:      os.Getpid(),
	})
	return response
}

// shutdown stops everything the daemon owns. With detach the game server is left running
// and its reattach record kept for the next daemon.
func (d *Daemon) shutdown(detach bool) {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...", "detach", detach)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if detach && d.host != nil {
			if err := d.host.Restart(ctx); err != nil {
				slog.Error("Failed to prepare the game server for reattach", "error", err)
			}
		}
		if d.supervisor != nil {
			if err := d.supervisor.Close(ctx); err != nil {
				slog.Error("Failed to close watchdog", "error", err)
			}
		}
		if d.jobs != nil {
			if err := d.jobs.Close(ctx); err != nil {
				slog.Warn("Jobs still running at shutdown", "error", err)
			}
		}
		if d.chat != nil {
			if err := d.chat.Close(ctx); err != nil {
				slog.Warn("Failed to disconnect chat providers", "error", err)
			}
		}
		if d.httpServer != nil {
			d.httpServer.Shutdown(ctx)
		}

		if d.cancelFunc != nil {
			d.cancelFunc()
		}

		for _, c := range d.closers {
			if err := c.Close(); err != nil {
				slog.Warn("Failed to close resource", "error", err)
			}
		}

		if d.database != nil {
			version := core.FormatVersion(core.Version)
			eventType := "stop"
			if detach {
				eventType = "reload"
			}
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d, detached: %v", version, os.Getpid(), detach)
			if err := d.database.LogDaemonEvent(eventType, details); err != nil {
				slog.Error("Failed to log daemon stop event", "error", err)
			}
			if err := d.database.Flush(); err != nil {
				slog.Error("Failed to flush database during shutdown", "error", err)
			}
			if err := d.database.Close(); err != nil {
				slog.Error("Failed to close database during shutdown", "error", err)
			} else {
				slog.Info("Database closed successfully")
			}
		}

		if d.lock != nil {
			d.lock.Unlock()
		}
		if d.listener != nil {
			d.listener.Close()
			os.Remove(core.GetSocketPath())
			os.Remove(core.GetPIDFilePath())
		}
	})
}
