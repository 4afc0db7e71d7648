package watchdog

import (
	"context"
	"log/slog"
	"sync"

	"go.olrik.dev/warden/internal/chat"
)

const notifyQueueSize = 256

type note struct {
	text    string
	flushed chan struct{}
}

// notifier broadcasts lifecycle notifications one at a time, in the order the loop
// produced them
type notifier struct {
	chat  Chat
	sel   chat.Selector
	queue chan note
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newNotifier(c Chat, sel chat.Selector) *notifier {
	return &notifier{
		chat:  c,
		sel:   sel,
		queue: make(chan note, notifyQueueSize),
		done:  make(chan struct{}),
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for item := range n.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := n.chat.Broadcast(ctx, n.sel, item.text); err != nil {
			slog.Warn("Chat notification failed", "text", item.text, "error", err)
		}
		cancel()
	}
}

// send queues text, dropping it when the queue is full so the loop never blocks on chat
func (n *notifier) send(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- note{text: text}:
	default:
		slog.Warn("Chat notification dropped, queue full", "text", text)
	}
}

// flush waits until everything queued so far was broadcast
func (n *notifier) flush(ctx context.Context) error {
	marker := make(chan struct{})
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	select {
	case n.queue <- note{flushed: marker}:
	case <-ctx.Done():
		n.mu.Unlock()
		return ctx.Err()
	}
	n.mu.Unlock()

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting notifications and waits for the queue to drain
func (n *notifier) close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
