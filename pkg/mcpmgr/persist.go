package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore"
)

// Store keys. The values are JSON documents so that state written by one
// backend can be copied to another verbatim.
const (
	KeyServers        = "mcp-servers"
	KeyConnections    = "mcp-connections"
	KeyToolsCache     = "mcp-tools-cache"
	KeyPromptsCache   = "mcp-prompts-cache"
	KeyResourcesCache = "mcp-resources-cache"
)

// snapshotter serializes snapshot writes so that an older view of the state
// never lands after a newer one.
type snapshotter struct {
	store   kvstore.Store
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	frozen bool
}

func newSnapshotter(store kvstore.Store, logger *slog.Logger, timeout time.Duration) *snapshotter {
	if store == nil {
		return nil
	}
	return &snapshotter{store: store, logger: logger, timeout: timeout}
}

// write builds the value while holding the write lock, then stores it.
// Failures are logged, never returned.
func (s *snapshotter) write(ctx context.Context, key string, build func() any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	data, err := json.Marshal(build())
	if err != nil {
		s.logger.Error("mcpmgr: encode snapshot", "key", key, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.store.Set(ctx, key, data); err != nil {
		s.logger.Error("mcpmgr: persist snapshot", "key", key, "error", err)
	}
}

// freeze stops further writes. Used on shutdown so teardown does not
// overwrite the state a later start should rehydrate from.
func (s *snapshotter) freeze() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

func (s *snapshotter) read(ctx context.Context, key string, dst any) (bool, error) {
	if s == nil {
		return false, nil
	}
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("mcpmgr: load %s: %w", key, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("mcpmgr: decode %s: %w", key, err)
	}
	return true, nil
}

// persistedState is everything Manager.Load restores.
type persistedState struct {
	Servers     []DescriptorSpec
	Connections map[string]ConnectionState
	Tools       map[string][]Tool
	Prompts     map[string][]Prompt
	Resources   map[string][]Resource
}

func (s *snapshotter) load(ctx context.Context) (persistedState, error) {
	var st persistedState
	if _, err := s.read(ctx, KeyServers, &st.Servers); err != nil {
		return st, err
	}
	if _, err := s.read(ctx, KeyConnections, &st.Connections); err != nil {
		return st, err
	}
	if _, err := s.read(ctx, KeyToolsCache, &st.Tools); err != nil {
		return st, err
	}
	if _, err := s.read(ctx, KeyPromptsCache, &st.Prompts); err != nil {
		return st, err
	}
	if _, err := s.read(ctx, KeyResourcesCache, &st.Resources); err != nil {
		return st, err
	}
	return st, nil
}
