package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"time"

	"github.com/samber/lo"

	"go.olrik.dev/warden/internal/chat"
	"go.olrik.dev/warden/internal/core"
	"go.olrik.dev/warden/internal/dmb"
	"go.olrik.dev/warden/internal/host"
	"go.olrik.dev/warden/internal/interop"
	"go.olrik.dev/warden/internal/jobs"
	"go.olrik.dev/warden/internal/keyring"
	"go.olrik.dev/warden/internal/metrics"
	"go.olrik.dev/warden/internal/reattach"
	"go.olrik.dev/warden/internal/session"
	"go.olrik.dev/warden/internal/topic"
	"go.olrik.dev/warden/internal/watchdog"
)

const metricsNamespace = "warden"

// setup builds the watchdog and its collaborators from core.Config
func (d *Daemon) setup(ctx context.Context) error {
	cfg := core.Config
	collector := metrics.NewPrometheus(metricsNamespace)

	var recorder jobs.Recorder
	if d.database != nil {
		recorder = d.database
	}
	d.jobs = jobs.NewManager(recorder, collector)

	store, err := d.openStore(ctx)
	if err != nil {
		return err
	}

	params, err := launchParameters(cfg.Instance.Launch)
	if err != nil {
		return fmt.Errorf("instance %q: %w", cfg.Instance.Name, err)
	}

	deployments, err := dmb.NewFactory(cfg.Instance.Deployments, cfg.Instance.DmbName)
	if err != nil {
		return fmt.Errorf("instance %q: %w", cfg.Instance.Name, err)
	}
	var updates <-chan dmb.Provider
	if err := deployments.Watch(ctx); err != nil {
		slog.Warn("Not watching for new deployments, swaps need 'warden swap'", "error", err)
	} else {
		updates = deployments.Updates()
	}

	launcher := &session.Launcher{
		InstanceID:      cfg.Instance.Name,
		Executable:      cfg.Instance.Executable,
		Env:             environment(cfg.Instance.Env),
		LogDir:          core.GetGameLogDir(),
		Sender:          topic.NewSender(cfg.Topic.Timeout),
		GracefulTimeout: cfg.Session.GracefulTimeout,
	}

	chatMgr := d.openChat(ctx, cfg.Chat)
	control := host.NewControl()

	wcfg := watchdog.Config{
		InstanceID:  cfg.Instance.Name,
		Launch:      params,
		Factory:     launcher,
		Deployments: deployments,
		Store:       store,
		Chat:        chatMgr,
		Jobs:        d.jobs,
		Host:        control,
		Updates:     updates,
		Metrics:     collector,
		AutoStart:   cfg.Instance.AutoStart,
		AutoRestart: cfg.Instance.AutoRestart,
	}
	if d.database != nil {
		wcfg.Events = d.database
	}
	wd, err := watchdog.New(wcfg)
	if err != nil {
		return err
	}

	d.supervisor = wd
	d.host = control
	d.chat = chatMgr
	d.bridge = interop.NewEndpoint(d.bridgeConsumer(cfg.Instance.Name), interop.DefaultTimeout)

	if _, err := d.serveMetrics(collector.Handler(), cfg.Metrics.Listen); err != nil {
		slog.Error("Metrics endpoint disabled", "error", err)
	}
	return nil
}

func (d *Daemon) resume(ctx context.Context) error {
	if d.supervisor == nil {
		return errors.New("watchdog not initialized")
	}
	return d.supervisor.Resume(ctx)
}

// launchParameters validates the configured launch settings
func launchParameters(l core.LaunchConfig) (session.LaunchParameters, error) {
	return session.ParseLaunchParameters(l.Port, l.SecondaryPort, l.Security, l.Visibility, l.StartupTimeout, l.Args)
}

// environment renders the configured variables as sorted KEY=VALUE pairs
func environment(env map[string]string) []string {
	vars := lo.MapToSlice(env, func(k, v string) string { return k + "=" + v })
	slices.Sort(vars)
	return vars
}

// openStore picks the reattach store backend, wrapping it with the keyring vault when
// tokens must not be stored next to the record
func (d *Daemon) openStore(ctx context.Context) (reattach.Store, error) {
	sc := core.Config.Storage

	var store reattach.Store
	switch sc.Backend {
	case "redis":
		rs, err := reattach.NewRedisStore(ctx, reattach.RedisConfig{Address: sc.RedisAddress, Prefix: sc.RedisKey})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, rs)
		store = rs
		slog.Info("Reattach records stored in redis", "address", sc.RedisAddress)
	default:
		if d.database == nil {
			return nil, errors.New("sqlite reattach store needs the database")
		}
		store = reattach.NewSQLiteStore(d.database)
	}

	if sc.TokenVault == "keyring" {
		vault, err := keyring.Open(keyring.Config{FileDir: filepath.Join(core.Config.ConfigPath, "keyring")})
		if err != nil {
			return nil, err
		}
		store = reattach.WithVault(store, vault)
		slog.Info("Session access tokens stored in the keyring")
	}
	return store, nil
}

// openChat connects the configured telnet providers. A provider that cannot connect is
// retried on each notification; the others are unaffected.
func (d *Daemon) openChat(ctx context.Context, cc core.ChatConfig) *chat.Manager {
	m := chat.NewManager()
	for _, t := range cc.Telnet {
		channels := lo.Map(t.Channels, func(c core.ChannelConfig, _ int) chat.ChannelConfig {
			return chat.ChannelConfig{Name: c.Name, Admin: c.Admin, Private: c.Private, Tag: c.Tag}
		})
		m.AddProvider(t.Name, chat.NewTelnetProvider(t.Address, t.Port, t.Nickname), channels)
	}
	if len(cc.Telnet) == 0 {
		return m
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.Connect(connectCtx); err != nil {
		slog.Warn("Some chat providers are unavailable", "error", err)
	}
	slog.Info("Chat connected", "channels", len(m.Channels()))
	return m
}

// bridgeConsumer records every bridge payload from the game server in the event log
func (d *Daemon) bridgeConsumer(instance string) interop.Consumer {
	return interop.ConsumerFunc(func(ctx context.Context, payload string) error {
		slog.Info("Bridge message from game server", "instance", instance, "bytes", len(payload))
		if d.database == nil {
			return nil
		}
		return d.database.LogInstanceEvent(instance, "bridge", payload)
	})
}

// serveMetrics exposes handler on addr under /metrics. An empty addr disables it.
func (d *Daemon) serveMetrics(handler http.Handler, addr string) (net.Addr, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	d.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	slog.Info("Serving metrics", "address", ln.Addr().String())
	return ln.Addr(), nil
}
