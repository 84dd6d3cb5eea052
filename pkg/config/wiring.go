package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/chat"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore/memstore"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore/redisstore"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore/sqlitestore"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/modelloop"
)

// OpenStore opens the configured state store.
func (c *Config) OpenStore(ctx context.Context) (kvstore.Store, error) {
	switch c.Store {
	case StoreMemory, "":
		return memstore.New(), nil
	case StoreSQLite:
		s, err := sqlitestore.Open(c.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("config: open sqlite store: %w", err)
		}
		return s, nil
	case StoreRedis:
		s, err := redisstore.Dial(ctx, c.RedisAddr, c.RedisKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("config: open redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("config: unknown store %q", c.Store)
	}
}

// ManagerOptions maps the settings onto mcpmgr.
func (c *Config) ManagerOptions(logger *slog.Logger) *mcpmgr.ManagerOptions {
	policy := mcpmgr.ConflictFirstMatch
	if c.ToolConflict == "reject" {
		policy = mcpmgr.ConflictReject
	}
	opts := &mcpmgr.ManagerOptions{
		HandshakeTimeout: c.HandshakeTimeout,
		CallTimeout:      c.CallTimeout,
		RehydrateTimeout: c.RehydrateTimeout,
		Logger:           logger,
		LogJSONRPC:       c.LogJSONRPC,
		ConflictPolicy:   policy,
	}
	if c.LogJSONRPC && logger != nil {
		opts.RPCLogger = traceRPC(logger)
	}
	return opts
}

// traceRPC logs every JSON-RPC message at LevelTrace.
func traceRPC(logger *slog.Logger) mcpmgr.RPCLogger {
	return func(ev mcpmgr.RPCLogEvent) {
		logger.Log(context.Background(), LevelTrace, "jsonrpc",
			"server", ev.ServerID,
			"direction", string(ev.Direction),
			"message", strings.TrimSpace(string(ev.Message)))
	}
}

// LoopOptions maps the model settings onto modelloop.
func (c *Config) LoopOptions(logger *slog.Logger) *modelloop.Options {
	return &modelloop.Options{
		Models:  append([]string(nil), c.Models...),
		Backoff: c.ModelBackoff,
		Logger:  logger,
	}
}

// ChatFactory returns a constructor for chat sessions that advertise mgr's
// connected tools to Gemini. It returns nil, nil when no API key is set.
func (c *Config) ChatFactory(ctx context.Context, mgr *mcpmgr.Manager, logger *slog.Logger) (func() *chat.Session, error) {
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return nil, nil
	}
	backend, err := modelloop.NewGeminiBackend(ctx, modelloop.GeminiConfig{APIKey: c.GeminiAPIKey, BaseURL: c.GeminiBaseURL})
	if err != nil {
		return nil, err
	}
	return c.chatFactory(backend, mgr, logger)
}

func (c *Config) chatFactory(backend modelloop.Backend, mgr *mcpmgr.Manager, logger *slog.Logger) (func() *chat.Session, error) {
	loop, err := modelloop.New(backend, c.LoopOptions(logger))
	if err != nil {
		return nil, err
	}
	opts := &chat.Options{
		SystemInstruction: c.SystemInstruction,
		MaxToolRounds:     c.MaxToolRounds,
		Logger:            logger,
	}
	return func() *chat.Session {
		return chat.NewSession(loop, mgr.Cache(), mgr.Bridge(), opts)
	}, nil
}
