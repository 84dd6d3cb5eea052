package redisstore

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.FlushDB(ctx)

	s, err := New(Config{Client: client, KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if got, err := s.Get(ctx, "mcp-connections"); err != nil || got != nil {
		t.Fatalf("Get(missing) = %q, %v", got, err)
	}
	if err := s.Set(ctx, "mcp-connections", []byte(`{"a":{"connected":true}}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	raw, err := client.Get(ctx, "test:mcp-connections").Result()
	if err != nil {
		t.Fatalf("prefixed key missing: %v", err)
	}
	if raw != `{"a":{"connected":true}}` {
		t.Fatalf("raw value = %q", raw)
	}
	if err := s.Delete(ctx, "mcp-connections"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Get(ctx, "mcp-connections"); got != nil {
		t.Fatalf("value survived delete: %q", got)
	}
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without client")
	}
}
