package core

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultInstanceName    = "main"
	DefaultPort            = 1337
	DefaultSecurity        = "safe"
	DefaultVisibility      = "public"
	DefaultStartupTimeout  = 60 * time.Second
	DefaultTopicTimeout    = 5 * time.Second
	DefaultGracefulTimeout = 10 * time.Second
	DefaultStorageBackend  = "sqlite"
	DefaultTokenVault      = "database"
	DefaultRedisAddress    = "127.0.0.1:6379"
	DefaultLogHistory      = 200
)

// Configuration represents the complete warden configuration
type Configuration struct {
	ConfigPath string // Directory containing config files
	Verbose    int    // Verbosity level
	Instance   InstanceConfig
	Topic      TopicConfig
	Session    SessionConfig
	Storage    StorageConfig
	Metrics    MetricsConfig
	Chat       ChatConfig
	Logs       LogsConfig
}

// InstanceConfig describes the one game server instance supervised by this daemon
type InstanceConfig struct {
	Name             string
	Executable       string            // Game server binary (e.g. DreamDaemon)
	Deployments      string            // Deployments root directory
	DmbName          string            // Compiled artifact base name, without .dmb
	AutoStart        bool              // Start on daemon boot when nothing can be reattached
	AutoRestart      bool              // Relaunch after a crash
	DetachOnShutdown bool              // Leave the server running when the daemon gets SIGTERM
	Env              map[string]string // Extra environment for the game server
	Launch           LaunchConfig
}

// LaunchConfig holds the raw launch parameters, validated by the session package
type LaunchConfig struct {
	Port           int
	SecondaryPort  int
	Security       string
	Visibility     string
	StartupTimeout time.Duration
	Args           []string
}

type TopicConfig struct {
	Timeout time.Duration
}

type SessionConfig struct {
	GracefulTimeout time.Duration
}

// StorageConfig selects where reattach information and access tokens live
type StorageConfig struct {
	Backend      string // "sqlite" or "redis"
	RedisAddress string
	RedisKey     string
	TokenVault   string // "database" or "keyring"
}

type MetricsConfig struct {
	Listen string // Empty disables the metrics endpoint
}

type ChatConfig struct {
	Telnet []TelnetConfig
}

type TelnetConfig struct {
	Name     string
	Address  string
	Port     int
	Nickname string
	Channels []ChannelConfig
}

type ChannelConfig struct {
	Name    string
	Admin   bool
	Private bool
	Tag     string
}

type LogsConfig struct {
	History int // Number of log lines kept for `warden logs`
}

// HCL parsing structs

type hclConfig struct {
	Verbose  int          `hcl:"verbose,optional"`
	Instance *hclInstance `hcl:"instance,block"`
	Topic    *hclTopic    `hcl:"topic,block"`
	Session  *hclSession  `hcl:"session,block"`
	Storage  *hclStorage  `hcl:"storage,block"`
	Metrics  *hclMetrics  `hcl:"metrics,block"`
	Chat     *hclChat     `hcl:"chat,block"`
	Logs     *hclLogs     `hcl:"logs,block"`
}

type hclInstance struct {
	Name             string            `hcl:"name,label"`
	Executable       string            `hcl:"executable,optional"`
	Deployments      string            `hcl:"deployments,optional"`
	DmbName          string            `hcl:"dmb_name,optional"`
	AutoStart        *bool             `hcl:"auto_start,optional"`
	AutoRestart      *bool             `hcl:"auto_restart,optional"`
	DetachOnShutdown *bool             `hcl:"detach_on_shutdown,optional"`
	Env              map[string]string `hcl:"env,optional"`
	Launch           *hclLaunch        `hcl:"launch,block"`
}

type hclLaunch struct {
	Port           int      `hcl:"port,optional"`
	SecondaryPort  int      `hcl:"secondary_port,optional"`
	Security       string   `hcl:"security,optional"`
	Visibility     string   `hcl:"visibility,optional"`
	StartupTimeout string   `hcl:"startup_timeout,optional"`
	Args           []string `hcl:"args,optional"`
}

type hclTopic struct {
	Timeout string `hcl:"timeout,optional"`
}

type hclSession struct {
	GracefulTimeout string `hcl:"graceful_timeout,optional"`
}

type hclStorage struct {
	Backend      string `hcl:"backend,optional"`
	RedisAddress string `hcl:"redis_address,optional"`
	RedisKey     string `hcl:"redis_key,optional"`
	TokenVault   string `hcl:"token_vault,optional"`
}

type hclMetrics struct {
	Listen string `hcl:"listen,optional"`
}

type hclChat struct {
	Telnet []hclTelnet `hcl:"telnet,block"`
}

type hclTelnet struct {
	Name     string       `hcl:"name,label"`
	Address  string       `hcl:"address,optional"`
	Port     int          `hcl:"port,optional"`
	Nickname string       `hcl:"nickname,optional"`
	Channels []hclChannel `hcl:"channel,block"`
}

type hclChannel struct {
	Name    string `hcl:"name,label"`
	Admin   *bool  `hcl:"admin,optional"`
	Private *bool  `hcl:"private,optional"`
	Tag     string `hcl:"tag,optional"`
}

type hclLogs struct {
	History int `hcl:"history,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose

	if in := hclCfg.Instance; in != nil {
		cfg.Instance.Name = in.Name
		cfg.Instance.Executable = in.Executable
		cfg.Instance.Deployments = in.Deployments
		cfg.Instance.DmbName = in.DmbName
		cfg.Instance.AutoStart = boolOr(in.AutoStart, cfg.Instance.AutoStart)
		cfg.Instance.AutoRestart = boolOr(in.AutoRestart, cfg.Instance.AutoRestart)
		cfg.Instance.DetachOnShutdown = boolOr(in.DetachOnShutdown, cfg.Instance.DetachOnShutdown)
		if in.Env != nil {
			cfg.Instance.Env = in.Env
		}

		if l := in.Launch; l != nil {
			if l.Port != 0 {
				cfg.Instance.Launch.Port = l.Port
			}
			if l.SecondaryPort != 0 {
				cfg.Instance.Launch.SecondaryPort = l.SecondaryPort
			} else {
				cfg.Instance.Launch.SecondaryPort = cfg.Instance.Launch.Port + 1
			}
			if l.Security != "" {
				cfg.Instance.Launch.Security = l.Security
			}
			if l.Visibility != "" {
				cfg.Instance.Launch.Visibility = l.Visibility
			}
			cfg.Instance.Launch.StartupTimeout = ParseDuration(l.StartupTimeout, DefaultStartupTimeout)
			cfg.Instance.Launch.Args = l.Args
		}
	}

	if hclCfg.Topic != nil {
		cfg.Topic.Timeout = ParseDuration(hclCfg.Topic.Timeout, DefaultTopicTimeout)
	}

	if hclCfg.Session != nil {
		cfg.Session.GracefulTimeout = ParseDuration(hclCfg.Session.GracefulTimeout, DefaultGracefulTimeout)
	}

	if s := hclCfg.Storage; s != nil {
		if s.Backend != "" {
			cfg.Storage.Backend = s.Backend
		}
		if s.RedisAddress != "" {
			cfg.Storage.RedisAddress = s.RedisAddress
		}
		if s.RedisKey != "" {
			cfg.Storage.RedisKey = s.RedisKey
		}
		if s.TokenVault != "" {
			cfg.Storage.TokenVault = s.TokenVault
		}
	}
	switch cfg.Storage.Backend {
	case "sqlite", "redis":
	default:
		return nil, fmt.Errorf("storage backend must be \"sqlite\" or \"redis\", got %q", cfg.Storage.Backend)
	}
	switch cfg.Storage.TokenVault {
	case "database", "keyring":
	default:
		return nil, fmt.Errorf("token_vault must be \"database\" or \"keyring\", got %q", cfg.Storage.TokenVault)
	}

	if hclCfg.Metrics != nil {
		cfg.Metrics.Listen = hclCfg.Metrics.Listen
	}

	if hclCfg.Chat != nil {
		for _, t := range hclCfg.Chat.Telnet {
			tc := TelnetConfig{
				Name:     t.Name,
				Address:  t.Address,
				Port:     t.Port,
				Nickname: t.Nickname,
			}
			if tc.Address == "" {
				tc.Address = "127.0.0.1"
			}
			if tc.Nickname == "" {
				tc.Nickname = "warden"
			}
			if tc.Port == 0 {
				return nil, fmt.Errorf("telnet %q: port is required", t.Name)
			}
			for _, c := range t.Channels {
				tc.Channels = append(tc.Channels, ChannelConfig{
					Name:    c.Name,
					Admin:   boolOr(c.Admin, false),
					Private: boolOr(c.Private, false),
					Tag:     c.Tag,
				})
			}
			cfg.Chat.Telnet = append(cfg.Chat.Telnet, tc)
		}
	}

	if hclCfg.Logs != nil && hclCfg.Logs.History > 0 {
		cfg.Logs.History = hclCfg.Logs.History
	}

	return cfg, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Verbose: 0,
		Instance: InstanceConfig{
			Name:        DefaultInstanceName,
			AutoStart:   false,
			AutoRestart: true,
			Env:         make(map[string]string),
			Launch: LaunchConfig{
				Port:           DefaultPort,
				SecondaryPort:  DefaultPort + 1,
				Security:       DefaultSecurity,
				Visibility:     DefaultVisibility,
				StartupTimeout: DefaultStartupTimeout,
			},
		},
		Topic:   TopicConfig{Timeout: DefaultTopicTimeout},
		Session: SessionConfig{GracefulTimeout: DefaultGracefulTimeout},
		Storage: StorageConfig{
			Backend:      DefaultStorageBackend,
			RedisAddress: DefaultRedisAddress,
			RedisKey:     "warden:reattach",
			TokenVault:   DefaultTokenVault,
		},
		Logs: LogsConfig{History: DefaultLogHistory},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
