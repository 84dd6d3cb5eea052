package config

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore/memstore"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/modelloop"
)

var bridgeEnv = []string{
	"MCPBRIDGE_LISTEN_ADDR", "MCPBRIDGE_ALLOWED_ORIGINS", "MCPBRIDGE_STORE", "MCPBRIDGE_SQLITE_PATH",
	"REDIS_ADDR", "MCPBRIDGE_REDIS_PREFIX", "MCPBRIDGE_SERVERS_FILE", "MCPBRIDGE_LOG_LEVEL",
	"MCPBRIDGE_LOG_FORMAT", "MCPBRIDGE_LOG_JSONRPC", "MCPBRIDGE_HANDSHAKE_TIMEOUT", "MCPBRIDGE_CALL_TIMEOUT",
	"MCPBRIDGE_REHYDRATE_TIMEOUT", "MCPBRIDGE_TOOL_CONFLICT", "MCPBRIDGE_MODELS", "MCPBRIDGE_MODEL_BACKOFF",
	"MCPBRIDGE_MAX_TOOL_ROUNDS", "MCPBRIDGE_SYSTEM_PROMPT", "MCPBRIDGE_CHAT_IDLE_TTL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range bridgeEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Store != StoreMemory || cfg.RedisKeyPrefix != "mcpbridge:state:" {
		t.Fatalf("cfg = %#v", cfg)
	}
	if cfg.HandshakeTimeout != 30*time.Second || cfg.CallTimeout != time.Minute || cfg.RehydrateTimeout != 15*time.Second {
		t.Fatalf("timeouts = %v %v %v", cfg.HandshakeTimeout, cfg.CallTimeout, cfg.RehydrateTimeout)
	}
	if len(cfg.Models) != 3 || cfg.Models[0] != "gemini-2.0-flash-001" {
		t.Fatalf("models = %v", cfg.Models)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.MaxToolRounds != 5 || cfg.ModelBackoff != 2*time.Second || cfg.LogJSONRPC || cfg.ChatIdleTTL != 30*time.Minute {
		t.Fatalf("cfg = %#v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCPBRIDGE_STORE", "sqlite")
	t.Setenv("MCPBRIDGE_MODELS", "a; b")
	t.Setenv("MCPBRIDGE_CALL_TIMEOUT", "5s")
	t.Setenv("MCPBRIDGE_TOOL_CONFLICT", "reject")
	t.Setenv("MCPBRIDGE_LOG_JSONRPC", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != StoreSQLite || cfg.CallTimeout != 5*time.Second || !cfg.LogJSONRPC {
		t.Fatalf("cfg = %#v", cfg)
	}
	if len(cfg.Models) != 2 || cfg.Models[1] != "b" {
		t.Fatalf("models = %q", cfg.Models)
	}
	opts := cfg.ManagerOptions(slog.Default())
	if opts.ConflictPolicy != mcpmgr.ConflictReject || opts.CallTimeout != 5*time.Second || !opts.LogJSONRPC {
		t.Fatalf("manager options = %#v", opts)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"MCPBRIDGE_STORE":         "etcd",
		"MCPBRIDGE_LOG_LEVEL":     "loud",
		"MCPBRIDGE_LOG_FORMAT":    "xml",
		"MCPBRIDGE_TOOL_CONFLICT": "random",
		"MCPBRIDGE_CALL_TIMEOUT":  "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load with %s=%q should fail", key, value)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		" debug ": slog.LevelDebug,
		"trace":   LevelTrace,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Fatalf("unknown level should fail")
	}
}

func TestNewLoggerRendersTrace(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cfg := &Config{LogLevel: "trace", LogFormat: "text"}
	logger, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(context.Background(), LevelTrace, "wire", "server", "a")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Fatalf("log output = %q", buf.String())
	}

	buf.Reset()
	cfg.LogFormat = "json"
	logger, _ = cfg.NewLogger(&buf)
	logger.Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("json output = %q", buf.String())
	}
}

func TestServersFileRoundTrip(t *testing.T) {
	t.Setenv("DOCS_TOKEN", "secret")
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	doc := `servers:
  - name: filesystem
    transport: stdio
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
    env:
      DEBUG: "1"
  - id: docs
    name: docs
    transport: streaming-http
    url: https://docs.example.com/mcp
    headers:
      Authorization: Bearer ${DOCS_TOKEN}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	specs, err := LoadServers(path)
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if len(specs) != 2 || specs[0].Command != "npx" || len(specs[0].Args) != 3 || specs[0].Env["DEBUG"] != "1" {
		t.Fatalf("specs = %#v", specs)
	}
	if specs[1].Headers["Authorization"] != "Bearer secret" {
		t.Fatalf("env not expanded: %#v", specs[1].Headers)
	}

	out := filepath.Join(dir, "export.yaml")
	if err := WriteServers(out, specs); err != nil {
		t.Fatalf("WriteServers: %v", err)
	}
	again, err := LoadServers(out)
	if err != nil {
		t.Fatalf("LoadServers(export): %v", err)
	}
	if len(again) != 2 || again[1].ID != "docs" || again[1].URL != "https://docs.example.com/mcp" || again[0].Args[2] != "/tmp" {
		t.Fatalf("round trip = %#v", again)
	}
}

func TestLoadServersMissingAndInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	specs, err := LoadServers(filepath.Join(dir, "absent.yaml"))
	if err != nil || specs != nil {
		t.Fatalf("missing file = %#v, %v", specs, err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	doc := "servers:\n  - name: nowhere\n    transport: carrier-pigeon\n  - name: broken\n    transport: process\n    url: http://x\n"
	if err := os.WriteFile(bad, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = LoadServers(bad)
	if err == nil || !strings.Contains(err.Error(), "servers[0]") || !strings.Contains(err.Error(), "servers[1]") {
		t.Fatalf("LoadServers(bad) err = %v", err)
	}
}

func TestOpenStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem, err := (&Config{Store: StoreMemory}).OpenStore(ctx)
	if err != nil {
		t.Fatalf("OpenStore(memory): %v", err)
	}
	if _, ok := mem.(*memstore.Store); !ok {
		t.Fatalf("memory store type = %T", mem)
	}

	path := filepath.Join(t.TempDir(), "state.db")
	sq, err := (&Config{Store: StoreSQLite, SQLitePath: path}).OpenStore(ctx)
	if err != nil {
		t.Fatalf("OpenStore(sqlite): %v", err)
	}
	defer sq.Close()
	if err := sq.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := (&Config{Store: "etcd"}).OpenStore(ctx); err == nil {
		t.Fatalf("unknown store should fail")
	}
}

func TestManagerOptionsTraceJSONRPC(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cfg := &Config{LogLevel: "trace", LogFormat: "text", LogJSONRPC: true, ToolConflict: "first-match"}
	logger, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	opts := cfg.ManagerOptions(logger)
	if opts.RPCLogger == nil {
		t.Fatalf("RPCLogger not set")
	}
	opts.RPCLogger(mcpmgr.RPCLogEvent{Direction: mcpmgr.RPCDirectionSend, ServerID: "docs", Message: []byte(`{"method":"ping"}` + "\n")})
	out := buf.String()
	if !strings.Contains(out, "level=TRACE") || !strings.Contains(out, "server=docs") || !strings.Contains(out, "direction=send") {
		t.Fatalf("trace output = %q", out)
	}
}

func TestChatFactory(t *testing.T) {
	t.Parallel()

	cfg := &Config{Models: []string{"m1"}, ModelBackoff: time.Millisecond, MaxToolRounds: 2, SystemInstruction: "be brief"}
	mgr := mcpmgr.NewManager(nil, &mcpmgr.ManagerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	newChat, err := cfg.ChatFactory(context.Background(), mgr, nil)
	if err != nil || newChat != nil {
		t.Fatalf("ChatFactory without key = %v, %v", newChat != nil, err)
	}

	var seen modelloop.Request
	backend := modelloop.BackendFunc(func(_ context.Context, model string, req modelloop.Request) (*modelloop.Response, error) {
		seen = req
		return &modelloop.Response{Model: model, Text: "hi"}, nil
	})
	newChat, err = cfg.chatFactory(backend, mgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("chatFactory: %v", err)
	}
	a, b := newChat(), newChat()
	if a.ID == b.ID {
		t.Fatalf("sessions share id %s", a.ID)
	}
	reply, err := a.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "hi" || reply.Model != "m1" || seen.SystemInstruction != "be brief" {
		t.Fatalf("reply = %#v, request = %#v", reply, seen)
	}
}
