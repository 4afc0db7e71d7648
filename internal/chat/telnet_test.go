package chat

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

// telnetServer accepts one connection and forwards received lines
func telnetServer(t *testing.T) (int, <-chan string) {
	t.Helper()
	return telnetServerOn(t, "127.0.0.1:0")
}

func telnetServerOn(t *testing.T, addr string) (int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	lines := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return ln.Addr().(*net.TCPAddr).Port, lines
}

func nextLine(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case l := <-lines:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("No line received")
		return ""
	}
}

func TestTelnetProvider(t *testing.T) {
	port, lines := telnetServer(t)
	p := NewTelnetProvider("127.0.0.1", port, "warden")
	ctx := context.Background()

	if _, err := p.MapChannels(ctx, []ChannelConfig{{Name: "ops"}}); err == nil {
		t.Error("MapChannels before Connect should fail")
	}

	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer p.Close()

	if got := nextLine(t, lines); got != "TgsTelnetInit warden" {
		t.Errorf("Expected init line, got %q", got)
	}

	channels, err := p.MapChannels(ctx, []ChannelConfig{{Name: "ops", Admin: true, Tag: "ops"}, {Name: "ooc"}})
	if err != nil {
		t.Fatalf("MapChannels failed: %v", err)
	}
	if len(channels) != 2 || channels[0].RealID != 1 || channels[1].RealID != 2 {
		t.Fatalf("Expected ids 1 and 2, got %+v", channels)
	}
	if channels[0].ConnectionName != "Gameserver" || !channels[0].IsAdminChannel || channels[0].Tag != "ops" {
		t.Errorf("Unexpected mapped channel %+v", channels[0])
	}
	if channels[1].IsPrivateChannel {
		t.Error("Telnet channels are never private")
	}

	if err := p.SendMessage(ctx, 2, "Server restarted"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if got := nextLine(t, lines); got != "Server restarted" {
		t.Errorf("Expected message line, got %q", got)
	}

	if err := p.SendMessage(ctx, 99, "nope"); err == nil {
		t.Error("Expected error for unknown channel id")
	}

	// The counter keeps counting across mappings
	more, _ := p.MapChannels(ctx, []ChannelConfig{{Name: "admin"}})
	if more[0].RealID != 3 {
		t.Errorf("Expected id 3, got %d", more[0].RealID)
	}
}

func TestTelnetProviderHasNoOptionalCapabilities(t *testing.T) {
	var p Provider = NewTelnetProvider("127.0.0.1", 1, "x")
	if _, ok := p.(Disconnecter); ok {
		t.Error("Telnet provider should not offer Disconnect")
	}
	if _, ok := p.(Mentioner); ok {
		t.Error("Telnet provider should not offer a bot mention")
	}
}

func TestTelnetConnectRefused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewTelnetProvider("127.0.0.1", port, "warden")
	if err := p.Connect(context.Background()); err == nil {
		t.Fatal("Expected connection error")
	}
	if p.Connected() {
		t.Error("Failed connect must leave provider disconnected")
	}
}

func TestTelnetProviderUpAfterManagerStart(t *testing.T) {
	quietLogger(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewTelnetProvider("127.0.0.1", port, "warden")
	defer p.Close()
	m := NewManager()
	m.AddProvider("telnet", p, []ChannelConfig{{Name: "ops", Admin: true}})
	ctx := context.Background()

	if err := m.Connect(ctx); err == nil {
		t.Fatal("Expected connect to fail while the bridge is down")
	}

	_, lines := telnetServerOn(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err := m.Broadcast(ctx, AdminChannels, "Server online"); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if got := nextLine(t, lines); got != "TgsTelnetInit warden" {
		t.Errorf("Expected init line, got %q", got)
	}
	if got := nextLine(t, lines); got != "Server online" {
		t.Errorf("Expected the notification, got %q", got)
	}
}
