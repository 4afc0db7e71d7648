package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.olrik.dev/warden/internal/daemon"
)

var errNotRunning = errors.New("daemon is not running, use 'warden up' to start it")

// ensureDaemon starts the daemon unless one already answers
func ensureDaemon() error {
	if daemon.IsRunning() {
		daemon.CheckVersionMismatch()
		return nil
	}

	slog.Info("Starting warden daemon...")
	daemonCmd, err := daemon.StartDaemon()
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	if err := daemon.WaitForDaemon(daemonCmd); err != nil {
		return fmt.Errorf("daemon failed to start: %w", err)
	}
	return nil
}

// sendOrExit sends command to a running daemon, exiting with status 1 when it is not
// running or any response message is an error
func sendOrExit(command string) daemon.Response {
	response, err := daemon.SendCommand(command)
	if err != nil {
		slog.Error(errNotRunning.Error())
		os.Exit(1)
	}
	response.LogMessages()
	if response.Failed() {
		os.Exit(1)
	}
	return response
}
