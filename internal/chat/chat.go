// Package chat fans watchdog notifications out to chat providers and routes chat commands
// back to registered handlers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// ErrUnknownCommand is returned by a handler that does not handle the command, and by
// Dispatch when no handler does
var ErrUnknownCommand = errors.New("unknown command")

// Channel is a mapped chat channel
type Channel struct {
	RealID           uint64
	FriendlyName     string
	ConnectionName   string
	IsAdminChannel   bool
	IsPrivateChannel bool
	Tag              string
	// Provider is the name the owning provider was added under
	Provider string
}

// ChannelConfig is a configured channel before mapping
type ChannelConfig struct {
	Name    string
	Admin   bool
	Private bool
	Tag     string
}

// Provider is the capability set every chat back-end offers
type Provider interface {
	Connect(ctx context.Context) error
	Connected() bool
	MapChannels(ctx context.Context, channels []ChannelConfig) ([]Channel, error)
	SendMessage(ctx context.Context, channelID uint64, text string) error
}

// Disconnecter is implemented by providers that can leave gracefully
type Disconnecter interface {
	Disconnect(ctx context.Context) error
}

// Mentioner is implemented by providers whose bot can be addressed by mention
type Mentioner interface {
	BotMention() string
}

// Command is an incoming chat command
type Command struct {
	Name    string
	Args    []string
	Channel Channel
	Sender  string
}

// CommandHandler handles a command, returning ErrUnknownCommand for commands it does not know.
// Handlers must not block on network I/O.
type CommandHandler func(ctx context.Context, cmd Command) (string, error)

// Registration undoes a registration when disposed
type Registration interface {
	Dispose()
}

// Selector picks the channels a broadcast goes to
type Selector func(Channel) bool

func AllChannels(Channel) bool { return true }

func AdminChannels(c Channel) bool { return c.IsAdminChannel }

func ByTag(tag string) Selector {
	return func(c Channel) bool { return c.Tag == tag }
}

type providerEntry struct {
	name     string
	provider Provider
	configs  []ChannelConfig

	connMu   sync.Mutex
	mapped   bool
	channels []Channel
}

type handlerEntry struct {
	id      int
	handler CommandHandler
}

// Manager owns the providers and the command handlers
type Manager struct {
	mu        sync.RWMutex
	providers []*providerEntry
	handlers  []handlerEntry
	nextID    int
}

func NewManager() *Manager {
	return &Manager{}
}

// AddProvider adds a provider under name with the channels to map once connected
func (m *Manager) AddProvider(name string, p Provider, channels []ChannelConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, &providerEntry{name: name, provider: p, configs: channels})
}

// Connect connects every provider and maps its channels. A provider that fails is logged
// and skipped; the joined errors are returned. Broadcast retries skipped providers.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.RLock()
	entries := append([]*providerEntry(nil), m.providers...)
	m.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		e.connMu.Lock()
		err := m.connectEntry(ctx, e)
		e.connMu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// connectEntry connects e and replaces its channels with a fresh mapping. Callers hold e.connMu.
func (m *Manager) connectEntry(ctx context.Context, e *providerEntry) error {
	m.mu.Lock()
	e.mapped = false
	m.mu.Unlock()

	if err := e.provider.Connect(ctx); err != nil {
		slog.Warn("Chat provider failed to connect", "provider", e.name, "error", err)
		return fmt.Errorf("%s: %w", e.name, err)
	}
	channels, err := e.provider.MapChannels(ctx, e.configs)
	if err != nil {
		slog.Warn("Chat provider failed to map channels", "provider", e.name, "error", err)
		return fmt.Errorf("%s: map channels: %w", e.name, err)
	}
	for i := range channels {
		channels[i].Provider = e.name
	}

	m.mu.Lock()
	e.channels = channels
	e.mapped = true
	m.mu.Unlock()

	slog.Info("Chat provider connected", "provider", e.name, "channels", len(channels))
	return nil
}

// ensureConnected reconnects and remaps e if it dropped or never came up
func (m *Manager) ensureConnected(ctx context.Context, e *providerEntry) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	m.mu.RLock()
	mapped := e.mapped
	m.mu.RUnlock()
	if mapped && e.provider.Connected() {
		return nil
	}
	slog.Debug("Reconnecting chat provider", "provider", e.name)
	return m.connectEntry(ctx, e)
}

// Channels returns every mapped channel in provider order
func (m *Manager) Channels() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []Channel
	for _, e := range m.providers {
		all = append(all, e.channels...)
	}
	return all
}

// Broadcast sends text to every selected channel, in order. Providers that dropped are
// reconnected first. Failures are logged and joined.
func (m *Manager) Broadcast(ctx context.Context, sel Selector, text string) error {
	if sel == nil {
		sel = AllChannels
	}

	m.mu.RLock()
	entries := append([]*providerEntry(nil), m.providers...)
	m.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		if err := m.deliver(ctx, e, sel, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliver sends text to e's selected channels. A provider that drops mid-delivery is
// reconnected once and gets the channels it missed.
func (m *Manager) deliver(ctx context.Context, e *providerEntry, sel Selector, text string) error {
	done := make(map[string]bool)

	var errs []error
	for attempt := 0; attempt < 2; attempt++ {
		if err := m.ensureConnected(ctx, e); err != nil {
			return err
		}

		m.mu.RLock()
		targets := lo.Filter(e.channels, func(c Channel, _ int) bool { return sel(c) && !done[c.FriendlyName] })
		m.mu.RUnlock()

		errs = errs[:0]
		dropped := false
		for _, c := range targets {
			if err := e.provider.SendMessage(ctx, c.RealID, text); err != nil {
				slog.Warn("Chat message not delivered", "provider", e.name, "channel", c.FriendlyName, "error", err)
				errs = append(errs, err)
				if !e.provider.Connected() {
					dropped = true
					break
				}
				continue
			}
			done[c.FriendlyName] = true
		}
		if !dropped || ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// RegisterCommandHandler adds h to the handler chain
func (m *Manager) RegisterCommandHandler(h CommandHandler) Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers = append(m.handlers, handlerEntry{id: id, handler: h})
	return &registration{dispose: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers = lo.Reject(m.handlers, func(e handlerEntry, _ int) bool { return e.id == id })
	}}
}

// Dispatch parses text into a command and offers it to the handlers in registration order
func (m *Manager) Dispatch(ctx context.Context, channel Channel, sender, text string) (string, error) {
	cmd, ok := ParseCommand(text)
	if !ok {
		return "", ErrUnknownCommand
	}
	cmd.Channel = channel
	cmd.Sender = sender

	m.mu.RLock()
	handlers := lo.Map(m.handlers, func(e handlerEntry, _ int) CommandHandler { return e.handler })
	m.mu.RUnlock()

	for _, h := range handlers {
		reply, err := h(ctx, cmd)
		if errors.Is(err, ErrUnknownCommand) {
			continue
		}
		return reply, err
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
}

// ParseCommand splits "!status now" or "status now" into name and arguments
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "!"))
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// Close disconnects providers that support it and closes the rest
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	entries := append([]*providerEntry(nil), m.providers...)
	m.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		switch p := e.provider.(type) {
		case Disconnecter:
			errs = append(errs, p.Disconnect(ctx))
		case io.Closer:
			errs = append(errs, p.Close())
		}
	}
	return errors.Join(errs...)
}

type registration struct {
	once    sync.Once
	dispose func()
}

func (r *registration) Dispose() {
	r.once.Do(r.dispose)
}
