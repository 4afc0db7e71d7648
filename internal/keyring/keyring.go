package keyring

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/samber/lo"
)

const (
	serviceName = "warden"

	// EnvPassword unlocks the file backend without a terminal prompt
	EnvPassword = "WARDEN_KEYRING_PASSWORD"
)

// Config selects the keyring backends. An empty Backends list means the OS keyrings,
// with the encrypted file backend under FileDir as the last resort.
type Config struct {
	ServiceName  string
	Backends     []keyring.BackendType
	FileDir      string
	PasswordFunc keyring.PromptFunc
}

// Vault keeps session access tokens out of the reattach store
type Vault struct {
	ring keyring.Keyring
}

// Open opens the keyring described by cfg
func Open(cfg Config) (*Vault, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = []keyring.BackendType{
			keyring.KeychainBackend,      // macOS Keychain
			keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
			keyring.PassBackend,          // Pass (password-store.org)
		}
		if cfg.FileDir != "" {
			cfg.Backends = append(cfg.Backends, keyring.FileBackend)
		}
	}
	if cfg.PasswordFunc == nil {
		cfg.PasswordFunc = FilePassword
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:      cfg.ServiceName,
		AllowedBackends:  cfg.Backends,
		FileDir:          cfg.FileDir,
		FilePasswordFunc: cfg.PasswordFunc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &Vault{ring: ring}, nil
}

const tokenPrefix = "session-token:"

// SetToken stores a session access token under key
func (v *Vault) SetToken(key, token string) error {
	return v.ring.Set(keyring.Item{
		Key:         tokenPrefix + key,
		Data:        []byte(token),
		Label:       "warden session token (" + key + ")",
		Description: "Topic access token of a running game server",
	})
}

// GetToken retrieves the token under key. Returns empty string if none is stored.
func (v *Vault) GetToken(key string) (string, error) {
	item, err := v.ring.Get(tokenPrefix + key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve token: %w", err)
	}
	return string(item.Data), nil
}

// DeleteToken removes the token under key. Deleting a missing token is not an error.
func (v *Vault) DeleteToken(key string) error {
	err := v.ring.Remove(tokenPrefix + key)
	if errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Keys lists the stored token keys starting with prefix
func (v *Vault) Keys(prefix string) ([]string, error) {
	keys, err := v.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return lo.FilterMap(keys, func(k string, _ int) (string, bool) {
		return strings.TrimPrefix(k, tokenPrefix), strings.HasPrefix(k, tokenPrefix+prefix)
	}), nil
}
