package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore"
)

func TestStoreSetGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	got, err := s.Get(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("Get(missing) = %q, %v; want nil, nil", got, err)
	}

	data := []byte(`{"a":1}`)
	if err := s.Set(ctx, "k", data); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data[0] = 'X'

	got, err = s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("Get = %q, stored value must not alias caller slice", got)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}
	if got, _ := s.Get(ctx, "k"); got != nil {
		t.Fatalf("value survived delete: %q", got)
	}
}

func TestStoreClosed(t *testing.T) {
	t.Parallel()

	s := New()
	_ = s.Close()
	if _, err := s.Get(context.Background(), "k"); !errors.Is(err, kvstore.ErrClosed) {
		t.Fatalf("Get after close err = %v, want ErrClosed", err)
	}
	if err := s.Set(context.Background(), "k", nil); !errors.Is(err, kvstore.ErrClosed) {
		t.Fatalf("Set after close err = %v, want ErrClosed", err)
	}
}
