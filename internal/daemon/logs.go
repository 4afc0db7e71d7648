package daemon

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// LogBroadcaster manages streaming logs to multiple clients
type LogBroadcaster struct {
	clients map[chan string]bool
	history []string // Ring buffer for recent messages
	maxHist int
	mu      sync.RWMutex
}

// NewLogBroadcaster creates a new log broadcaster with the specified history size
func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = 1000
	}
	return &LogBroadcaster{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe adds a new client to receive log broadcasts
func (lb *LogBroadcaster) Subscribe() chan string {
	ch, _ := lb.SubscribeWithHistory(0)
	return ch
}

// SubscribeWithHistory adds a new client and returns up to historyLines recent messages.
// The history is returned separately so replay never blocks the channel.
func (lb *LogBroadcaster) SubscribeWithHistory(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100)
	lb.clients[ch] = true

	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := max(len(lb.history)-historyLines, 0)
		history = make([]string, len(lb.history)-start)
		copy(history, lb.history[start:])
	}
	return ch, history
}

// Unsubscribe removes a client from receiving broadcasts
func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.clients[ch] {
		delete(lb.clients, ch)
		close(ch)
	}
}

// Broadcast records message in the history and sends it to every client. Clients with a
// full buffer miss the message.
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.history) >= lb.maxHist {
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
		}
	}
}

// LogWriter is an io.Writer that broadcasts log messages
type LogWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *LogWriter) Write(p []byte) (n int, err error) {
	lw.broadcaster.Broadcast(string(p))
	return len(p), nil
}

// setupLogging installs the default logger: tint on stderr and on the broadcaster. The
// level lives in d.logLevel so a config reload can change it.
func (d *Daemon) setupLogging(level slog.Level) {
	d.logLevel.Set(level)

	multiWriter := io.MultiWriter(os.Stderr, &LogWriter{broadcaster: d.logBroadcast})
	handler := tint.NewHandler(multiWriter, &tint.Options{
		Level:      &d.logLevel,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}

// handleLogs streams daemon logs to the client until they disconnect
func (d *Daemon) handleLogs(conn net.Conn, showHistory bool, historyLines int) {
	defer conn.Close()

	if !showHistory {
		historyLines = 0
	}
	logChan, history := d.logBroadcast.SubscribeWithHistory(historyLines)
	defer d.logBroadcast.Unsubscribe(logChan)

	if _, err := conn.Write([]byte("Connected to warden daemon logs. Press Ctrl+C to exit.\n")); err != nil {
		slog.Warn("Failed to send initial message to logs client", "error", err)
		return
	}
	for _, msg := range history {
		if _, err := conn.Write([]byte(msg)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufio.NewReader(conn))
		close(done)
	}()

	for {
		select {
		case logMsg, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(logMsg)); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}
