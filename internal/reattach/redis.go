package reattach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"go.olrik.dev/warden/internal/session"
)

const DefaultRedisPrefix = "warden:reattach"

// RedisConfig configures the redis backend
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// RedisStore keeps each record as a single JSON value, so SET replaces it atomically
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redis and verifies the connection with PING
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	cfg.Address = strings.TrimPrefix(cfg.Address, "redis://")
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		MaxRetries:  3,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *RedisStore) key(instanceID string) string {
	return s.prefix + ":" + instanceID
}

func (s *RedisStore) Save(ctx context.Context, info session.ReattachInfo) error {
	data, err := encode(info)
	if err != nil {
		return &PersistenceError{Op: "save", InstanceID: info.InstanceID, Err: err}
	}
	if err := s.client.Set(ctx, s.key(info.InstanceID), data, 0).Err(); err != nil {
		return &PersistenceError{Op: "save", InstanceID: info.InstanceID, Err: err}
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, instanceID string) (*session.ReattachInfo, error) {
	data, err := s.client.Get(ctx, s.key(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", InstanceID: instanceID, Err: err}
	}
	info, err := decode(data)
	if err != nil {
		return nil, &PersistenceError{Op: "load", InstanceID: instanceID, Err: err}
	}
	return info, nil
}

func (s *RedisStore) Clear(ctx context.Context, instanceID string) error {
	if err := s.client.Del(ctx, s.key(instanceID)).Err(); err != nil {
		return &PersistenceError{Op: "clear", InstanceID: instanceID, Err: err}
	}
	return nil
}

// Close closes the redis connection pool
func (s *RedisStore) Close() error {
	return s.client.Close()
}
