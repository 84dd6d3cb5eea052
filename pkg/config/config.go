// Package config loads the bridge's settings from the environment and its
// server list from an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds every environment-driven setting. Defaults are provided via
// struct tags.
type Config struct {
	// ListenAddr for the HTTP API. ENV: MCPBRIDGE_LISTEN_ADDR
	ListenAddr string `env:"MCPBRIDGE_LISTEN_ADDR,default=:8080"`
	// AllowedOrigins for CORS, separated by semicolons. ENV: MCPBRIDGE_ALLOWED_ORIGINS
	AllowedOrigins []string `env:"MCPBRIDGE_ALLOWED_ORIGINS,default=*"`
	// ChatIdleTTL drops API chat sessions unused for this long. ENV: MCPBRIDGE_CHAT_IDLE_TTL
	ChatIdleTTL time.Duration `env:"MCPBRIDGE_CHAT_IDLE_TTL,default=30m"`

	// Store selects memory, sqlite, or redis. ENV: MCPBRIDGE_STORE
	Store          string `env:"MCPBRIDGE_STORE,default=memory"`
	SQLitePath     string `env:"MCPBRIDGE_SQLITE_PATH,default=mcp-bridge.db"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string `env:"MCPBRIDGE_REDIS_PREFIX,default=mcpbridge:state:"`

	// ServersFile seeds descriptors on first start. ENV: MCPBRIDGE_SERVERS_FILE
	ServersFile string `env:"MCPBRIDGE_SERVERS_FILE"`

	LogLevel   string `env:"MCPBRIDGE_LOG_LEVEL,default=info"`
	LogFormat  string `env:"MCPBRIDGE_LOG_FORMAT,default=text"`
	LogJSONRPC bool   `env:"MCPBRIDGE_LOG_JSONRPC,default=false"`

	HandshakeTimeout time.Duration `env:"MCPBRIDGE_HANDSHAKE_TIMEOUT,default=30s"`
	CallTimeout      time.Duration `env:"MCPBRIDGE_CALL_TIMEOUT,default=60s"`
	RehydrateTimeout time.Duration `env:"MCPBRIDGE_REHYDRATE_TIMEOUT,default=15s"`
	// ToolConflict is first-match or reject. ENV: MCPBRIDGE_TOOL_CONFLICT
	ToolConflict string `env:"MCPBRIDGE_TOOL_CONFLICT,default=first-match"`

	GeminiAPIKey      string        `env:"GEMINI_API_KEY"`
	GeminiBaseURL     string        `env:"GEMINI_BASE_URL"`
	Models            []string      `env:"MCPBRIDGE_MODELS,default=gemini-2.0-flash-001;gemini-2.0-flash-lite;gemini-1.5-flash"`
	ModelBackoff      time.Duration `env:"MCPBRIDGE_MODEL_BACKOFF,default=2s"`
	MaxToolRounds     int           `env:"MCPBRIDGE_MAX_TOOL_ROUNDS,default=5"`
	SystemInstruction string        `env:"MCPBRIDGE_SYSTEM_PROMPT"`
}

// Load decodes Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that envdecode cannot.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("config: unknown store %q (valid: memory, sqlite, redis)", c.Store)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q (valid: text, json)", c.LogFormat)
	}
	switch c.ToolConflict {
	case "first-match", "reject":
	default:
		return fmt.Errorf("config: unknown tool conflict policy %q (valid: first-match, reject)", c.ToolConflict)
	}
	if c.HandshakeTimeout <= 0 || c.CallTimeout <= 0 || c.RehydrateTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("config: MCPBRIDGE_MAX_TOOL_ROUNDS must be positive")
	}
	return nil
}
