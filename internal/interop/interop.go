// Package interop receives messages the game server pushes to the manager through
// `warden bridge`. Payloads are opaque text.
package interop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds one consumer call
const DefaultTimeout = 5 * time.Second

// Consumer handles one bridge payload
type Consumer interface {
	InteropMessage(ctx context.Context, payload string) error
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc func(ctx context.Context, payload string) error

func (f ConsumerFunc) InteropMessage(ctx context.Context, payload string) error {
	return f(ctx, payload)
}

// Stats counts ingested payloads
type Stats struct {
	Received  uint64 `json:"received"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// Endpoint hands payloads to a consumer. Ingest never fails and never panics; the caller
// is the game server, which cannot do anything useful with an error.
type Endpoint struct {
	consumer Consumer
	timeout  time.Duration

	received  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewEndpoint creates an endpoint. A nil consumer drops every payload.
func NewEndpoint(consumer Consumer, timeout time.Duration) *Endpoint {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Endpoint{consumer: consumer, timeout: timeout}
}

// JoinArgs builds a payload from bridge arguments
func JoinArgs(args []string) string {
	return strings.Join(args, " ")
}

// Ingest delivers payload once
func (e *Endpoint) Ingest(ctx context.Context, payload string) {
	e.received.Add(1)
	if e.consumer == nil {
		e.failed.Add(1)
		slog.Debug("Bridge payload dropped, no consumer")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.deliver(ctx, payload); err != nil {
		e.failed.Add(1)
		slog.Warn("Bridge payload not handled", "error", err)
		return
	}
	e.delivered.Add(1)
}

func (e *Endpoint) deliver(ctx context.Context, payload string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panicked: %v", r)
		}
	}()
	return e.consumer.InteropMessage(ctx, payload)
}

func (e *Endpoint) Stats() Stats {
	return Stats{
		Received:  e.received.Load(),
		Delivered: e.delivered.Load(),
		Failed:    e.failed.Load(),
	}
}
