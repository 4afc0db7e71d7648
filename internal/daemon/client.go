package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.olrik.dev/warden/internal/core"
)

const (
	daemonStartTimeout = 5 * time.Second
	daemonStopTimeout  = 30 * time.Second
	pollInterval       = 100 * time.Millisecond
)

// SendCommand connects to the daemon, sends a command, and returns the response
func SendCommand(command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// IsRunning reports whether a daemon answers on the socket
func IsRunning() bool {
	_, err := SendCommand("VERSION")
	return err == nil
}

// StartDaemon forks `warden daemon` detached from the terminal. Its stderr goes to a temp
// file so WaitForDaemon can report why it died.
func StartDaemon() (*exec.Cmd, error) {
	stderrFile, err := createStderrCapture()
	if err != nil {
		return nil, err
	}

	args := []string{"daemon", "--config-path", core.Config.ConfigPath}
	for range core.Config.Verbose {
		args = append(args, "-v")
	}
	cmd := exec.Command(os.Args[0], args...)
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		stderrFile.Close()
		os.Remove(stderrFile.Name())
		return nil, fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Debug("Daemon process launched", "pid", cmd.Process.Pid)
	return cmd, nil
}

func createStderrCapture() (*os.File, error) {
	f, err := os.CreateTemp("", "warden-daemon-stderr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr capture: %w", err)
	}
	return f, nil
}

// WaitForDaemon waits until the daemon started by cmd answers, or reports its stderr if it
// exits first
func WaitForDaemon(cmd *exec.Cmd) error {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	stderrPath := ""
	if f, ok := cmd.Stderr.(*os.File); ok {
		stderrPath = f.Name()
		defer func() {
			f.Close()
			os.Remove(stderrPath)
		}()
	}

	deadline := time.After(daemonStartTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			msg := "daemon crashed during startup"
			if err != nil {
				msg = fmt.Sprintf("%s (%v)", msg, err)
			}
			if stderrPath != "" {
				if out, readErr := os.ReadFile(stderrPath); readErr == nil && len(out) > 0 {
					msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(out)))
				}
			}
			return errors.New(msg)
		case <-ticker.C:
			if IsRunning() {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("daemon did not answer within %v", daemonStartTimeout)
		}
	}
}

// WaitForDaemonStop waits until the daemon no longer answers
func WaitForDaemonStop() error {
	deadline := time.Now().Add(daemonStopTimeout)
	for time.Now().Before(deadline) {
		if !IsRunning() {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("daemon still running after %v", daemonStopTimeout)
}

// CheckVersionMismatch warns when the running daemon was built from another version
func CheckVersionMismatch() {
	response, err := SendCommand("VERSION")
	if err != nil {
		return
	}
	var data VersionData
	if err := response.DecodeData(&data); err != nil {
		return
	}
	if data.Version != core.Version {
		slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Run 'warden reload' to upgrade the daemon.",
			core.FormatVersion(core.Version), core.FormatVersion(data.Version)))
	}
}
