package reattach

import (
	"context"
	"fmt"
	"log/slog"

	"go.olrik.dev/warden/internal/session"
)

// TokenVault holds access tokens outside the record store
type TokenVault interface {
	SetToken(key, token string) error
	GetToken(key string) (string, error)
	DeleteToken(key string) error
}

// VaultStore stores the access token in a TokenVault and everything else in the inner Store.
// Tokens are keyed by instance and PID.
type VaultStore struct {
	inner Store
	vault TokenVault
}

func WithVault(inner Store, vault TokenVault) *VaultStore {
	return &VaultStore{inner: inner, vault: vault}
}

// TokenKey names the vault entry holding the token of instanceID's session with pid
func TokenKey(instanceID string, pid int) string {
	return fmt.Sprintf("%s:%d", instanceID, pid)
}

// Save writes the new token, then the record referencing it, then drops the token of the
// record it replaced
func (s *VaultStore) Save(ctx context.Context, info session.ReattachInfo) error {
	prev, err := s.inner.Load(ctx, info.InstanceID)
	if err != nil {
		slog.Warn("Previous reattach record unreadable, its token may linger", "instance", info.InstanceID, "error", err)
		prev = nil
	}

	if err := s.vault.SetToken(TokenKey(info.InstanceID, info.PID), info.AccessToken); err != nil {
		return &PersistenceError{Op: "save", InstanceID: info.InstanceID, Err: err}
	}
	stripped := info.Clone()
	stripped.AccessToken = ""
	if err := s.inner.Save(ctx, stripped); err != nil {
		return err
	}

	if prev != nil && prev.PID != info.PID {
		if err := s.vault.DeleteToken(TokenKey(prev.InstanceID, prev.PID)); err != nil {
			slog.Warn("Failed to remove superseded session token", "instance", info.InstanceID, "pid", prev.PID, "error", err)
		}
	}
	return nil
}

// Load returns the record with its token restored. A record whose token went missing is
// returned without one and will fail reattach validation.
func (s *VaultStore) Load(ctx context.Context, instanceID string) (*session.ReattachInfo, error) {
	info, err := s.inner.Load(ctx, instanceID)
	if err != nil || info == nil {
		return info, err
	}
	token, err := s.vault.GetToken(TokenKey(instanceID, info.PID))
	if err != nil {
		return nil, &PersistenceError{Op: "load", InstanceID: instanceID, Err: err}
	}
	info.AccessToken = token
	return info, nil
}

// Clear removes the record first so no record outlives its token
func (s *VaultStore) Clear(ctx context.Context, instanceID string) error {
	prev, err := s.inner.Load(ctx, instanceID)
	if err != nil {
		prev = nil
	}
	if err := s.inner.Clear(ctx, instanceID); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	if err := s.vault.DeleteToken(TokenKey(instanceID, prev.PID)); err != nil {
		return &PersistenceError{Op: "clear", InstanceID: instanceID, Err: err}
	}
	return nil
}
