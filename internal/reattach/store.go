// Package reattach persists the information needed to take over a running game server after
// the manager restarts.
package reattach

import (
	"context"
	"encoding/json"
	"fmt"

	"go.olrik.dev/warden/internal/session"
)

// Store saves, loads and clears one reattach record per instance. Save replaces the whole
// record atomically.
type Store interface {
	Save(ctx context.Context, info session.ReattachInfo) error
	// Load returns nil without error when nothing is stored
	Load(ctx context.Context, instanceID string) (*session.ReattachInfo, error)
	Clear(ctx context.Context, instanceID string) error
}

// PersistenceError wraps any failure of a Store operation
type PersistenceError struct {
	Op         string // "save", "load" or "clear"
	InstanceID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("reattach %s for %q: %v", e.Op, e.InstanceID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func encode(info session.ReattachInfo) ([]byte, error) {
	return json.Marshal(info)
}

func decode(data []byte) (*session.ReattachInfo, error) {
	var info session.ReattachInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &info, nil
}
