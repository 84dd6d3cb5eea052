package mcpapi

import (
	"log/slog"
	"time"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/chat"
)

// Options configure a Server instance.
type Options struct {
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8080".
	Addr string
	// AllowedOrigins lists CORS origins. Defaults to "*".
	AllowedOrigins []string
	// MaxBodyBytes caps request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
	// ShutdownTimeout bounds the graceful stop after the ListenAndServe
	// context ends.
	ShutdownTimeout time.Duration
	// NewChat, when set, enables the /api/chat endpoints. Each call must
	// return a fresh session.
	NewChat func() *chat.Session
	// ChatIdleTTL drops chat sessions unused for this long. Defaults to 30m.
	ChatIdleTTL time.Duration
	// MaxChatSessions caps live chat sessions; the least recently used one
	// is dropped to make room. Defaults to 1024.
	MaxChatSessions int
	// Now is the clock used for chat session expiry. Defaults to time.Now.
	Now func() time.Time
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = append([]string(nil), opts.AllowedOrigins...)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.ChatIdleTTL <= 0 {
		opts.ChatIdleTTL = 30 * time.Minute
	}
	if opts.MaxChatSessions <= 0 {
		opts.MaxChatSessions = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
