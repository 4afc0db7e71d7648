package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.olrik.dev/warden/internal/core"
)

const configDebounce = 500 * time.Millisecond

// reloadConfig re-reads config.hcl and applies what can change at runtime: verbosity, the
// auto restart policy and the launch parameters of the next session. Everything else needs
// 'warden reload'.
func (d *Daemon) reloadConfig() error {
	oldConfig := core.Config
	configPath := core.GetConfigFilePath()

	newConfig, err := core.LoadConfig(configPath)
	if err != nil {
		slog.Error("Configuration file has errors, keeping previous configuration", "file", configPath, "error", err)
		return fmt.Errorf("config parse error: %w", err)
	}
	newConfig.ConfigPath = oldConfig.ConfigPath

	if newConfig.Instance.Name != oldConfig.Instance.Name {
		slog.Error("Instance name cannot change while the daemon runs, keeping previous configuration",
			"old", oldConfig.Instance.Name, "new", newConfig.Instance.Name)
		return errors.New("instance renamed")
	}

	params, err := launchParameters(newConfig.Instance.Launch)
	if err != nil {
		slog.Error("Invalid launch parameters, keeping previous configuration", "error", err)
		return err
	}
	if d.supervisor != nil {
		if err := d.supervisor.SetLaunchParameters(params); err != nil {
			slog.Error("Launch parameters rejected, keeping previous configuration", "error", err)
			return err
		}
		d.supervisor.SetAutoRestart(newConfig.Instance.AutoRestart)
	}

	// -v on the daemon command line is a floor
	newConfig.Verbose = max(newConfig.Verbose, d.flagVerbose)
	d.logLevel.Set(core.LogLevel(newConfig.Verbose))

	if newConfig.Storage != oldConfig.Storage || newConfig.Metrics != oldConfig.Metrics ||
		newConfig.Instance.Executable != oldConfig.Instance.Executable ||
		newConfig.Instance.Deployments != oldConfig.Instance.Deployments {
		slog.Warn("Storage, metrics, executable and deployment changes take effect after 'warden reload'")
	}

	core.Config = newConfig
	slog.Info("Configuration reloaded successfully")
	return nil
}

// watchConfig reloads the configuration whenever config.hcl changes
func (d *Daemon) watchConfig() {
	configPath := core.GetConfigFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}
	if err := watcher.Add(configPath); err != nil {
		slog.Warn("Not watching config file", "error", err, "path", configPath)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				slog.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)

				// Editors writing atomically replace the file, which drops it from the watch list
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go rewatch(watcher, configPath)
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(configDebounce, func() {
					slog.Info("Configuration file changed, reloading...", "file", event.Name)
					if err := d.reloadConfig(); err != nil {
						slog.Debug("Config reload failed", "error", err)
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching configuration file for changes")
}

// rewatch re-adds the watch with backoff (10ms .. 160ms) while the file is being replaced
func rewatch(watcher *fsnotify.Watcher, path string) {
	for attempt := range 5 {
		if attempt > 0 {
			time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
		}
		watcher.Remove(path)
		err := watcher.Add(path)
		if err == nil {
			slog.Debug("Re-added config watch", "path", path, "attempt", attempt+1)
			return
		}
		if attempt == 4 {
			slog.Error("Failed to re-add config watch after multiple attempts", "error", err, "path", path)
		}
	}
}
