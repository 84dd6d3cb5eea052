// Package redisstore provides a kvstore.Store backed by Redis string keys.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix is prepended to every key.
	// Default: "mcpbridge:state:"
	KeyPrefix string
}

// Store implements kvstore.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ kvstore.Store = (*Store)(nil)

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mcpbridge:state:"
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

// Dial connects to addr, verifies the connection with PING, and returns a
// store that owns the client.
func Dial(ctx context.Context, addr, keyPrefix string) (*Store, error) {
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return New(Config{Client: cl, KeyPrefix: keyPrefix})
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

// Get returns the stored value, or nil when the key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", s.key(key), err)
	}
	return data, nil
}

// Set stores data without expiration.
func (s *Store) Set(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", s.key(key), err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", s.key(key), err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }
