package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

const (
	// telnetInitCommand tells the game server the client is the manager's bot
	telnetInitCommand    = "TgsTelnetInit"
	telnetConnectionName = "Gameserver"
)

// TelnetProvider talks to the game server's telnet chat bridge. It has no graceful
// disconnect and no bot mention.
type TelnetProvider struct {
	address  string
	port     int
	nickname string

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	nextID  uint64
	idNames map[uint64]string
}

func NewTelnetProvider(address string, port int, nickname string) *TelnetProvider {
	return &TelnetProvider{
		address:  address,
		port:     port,
		nickname: nickname,
		nextID:   1,
		idNames:  make(map[uint64]string),
	}
}

func (t *TelnetProvider) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(t.address, strconv.Itoa(t.port)))
	if err != nil {
		return fmt.Errorf("telnet connect: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.writer = bufio.NewWriter(conn)

	if err := t.sendLineLocked(telnetInitCommand + " " + t.nickname); err != nil {
		t.closeLocked()
		return fmt.Errorf("telnet init: %w", err)
	}
	return nil
}

func (t *TelnetProvider) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// MapChannels assigns ids counting up from 1, one per configured channel
func (t *TelnetProvider) MapChannels(ctx context.Context, channels []ChannelConfig) ([]Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("provider not connected")
	}

	mapped := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if c.Name == "" {
			return nil, errors.New("telnet channel without a name")
		}
		id := t.nextID
		t.nextID++
		t.idNames[id] = c.Name
		mapped = append(mapped, Channel{
			RealID:           id,
			FriendlyName:     c.Name,
			ConnectionName:   telnetConnectionName,
			IsAdminChannel:   c.Admin,
			IsPrivateChannel: false,
			Tag:              c.Tag,
		})
	}
	return mapped, nil
}

// SendMessage writes text as one line. The telnet bridge has a single stream, so the
// channel id only has to be known.
func (t *TelnetProvider) SendMessage(ctx context.Context, channelID uint64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("provider not connected")
	}
	if _, ok := t.idNames[channelID]; !ok {
		return fmt.Errorf("unknown channel id %d", channelID)
	}
	if err := t.sendLineLocked(text); err != nil {
		t.closeLocked()
		return fmt.Errorf("telnet send: %w", err)
	}
	return nil
}

func (t *TelnetProvider) sendLineLocked(line string) error {
	if _, err := t.writer.WriteString(line + "\n"); err != nil {
		return err
	}
	return t.writer.Flush()
}

// Close drops the connection
func (t *TelnetProvider) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *TelnetProvider) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.writer = nil
	return err
}
