// Package host lets components ask to be told before the manager process restarts itself.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// RestartHandler runs before the manager restarts. It must finish its work before returning.
type RestartHandler func(ctx context.Context) error

// Registration removes a handler when disposed. Dispose is idempotent.
type Registration interface {
	Dispose()
}

type entry struct {
	id      int
	handler RestartHandler
}

// Control keeps the restart handlers
type Control struct {
	mu       sync.Mutex
	handlers []entry
	nextID   int
}

func NewControl() *Control {
	return &Control{}
}

// RegisterForRestart adds h. Handlers run in registration order.
func (c *Control) RegisterForRestart(h RestartHandler) Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, entry{id: id, handler: h})
	return &registration{control: c, id: id}
}

func (c *Control) remove(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.handlers {
		if e.id == id {
			c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
			return
		}
	}
}

// Restart calls every live handler synchronously, in order, and returns once all of them
// have. Handler failures are logged and joined; they do not stop the remaining handlers.
func (c *Control) Restart(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]entry, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	var errs []error
	for _, e := range handlers {
		if !c.live(e.id) {
			continue
		}
		if err := e.handler(ctx); err != nil {
			slog.Error("Restart handler failed", "handler", e.id, "error", err)
			errs = append(errs, fmt.Errorf("restart handler %d: %w", e.id, err))
		}
	}
	return errors.Join(errs...)
}

// live reports whether id is still registered, so handlers disposed by an earlier handler
// are skipped
func (c *Control) live(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.handlers {
		if e.id == id {
			return true
		}
	}
	return false
}

// Count returns the number of registered handlers
func (c *Control) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

type registration struct {
	once    sync.Once
	control *Control
	id      int
}

func (r *registration) Dispose() {
	r.once.Do(func() { r.control.remove(r.id) })
}
