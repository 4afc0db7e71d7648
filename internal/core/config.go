package core

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	BaseDirName    = ".config/warden"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	LockFileName   = "daemon.lock"
	DatabaseName   = "warden.db"
	GameLogDirName = "logs"
)

// Config is the global configuration instance
var Config *Configuration

// DefaultConfigPath returns ~/.config/warden
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(homeDir, BaseDirName)
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetLockFilePath() string {
	return filepath.Join(Config.ConfigPath, LockFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseName)
}

func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

// GetGameLogDir returns the directory receiving game server stdout/stderr
func GetGameLogDir() string {
	return filepath.Join(Config.ConfigPath, GameLogDirName)
}

// InitializeConfig loads config.hcl from configPath, falling back to defaults when no
// config file exists yet. The result is stored in Config.
func InitializeConfig(configPath string, verbose int) error {
	var cfg *Configuration

	filename := filepath.Join(configPath, ConfigFileName)
	if ConfigExists(filename) {
		loaded, err := LoadConfig(filename)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = GetDefaultConfig()
	}

	cfg.ConfigPath = configPath
	if verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}

	Config = cfg
	return nil
}

// ParseDuration parses a config duration, logging and falling back to def on bad input
func ParseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Error(fmt.Sprintf("Invalid duration %q in config, using default %v", value, def))
		return def
	}
	return d
}

// LogLevel maps the verbosity counter to a slog level
func LogLevel(verbose int) slog.Level {
	switch {
	case verbose >= 2:
		return slog.LevelDebug - 4
	case verbose == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
