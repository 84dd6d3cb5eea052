package mcpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/chat"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Server exposes a Manager over a JSON HTTP API.
type Server struct {
	manager *mcpmgr.Manager
	opts    Options
	handler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server

	chatMu   sync.Mutex
	sessions map[string]*chatEntry
}

type chatEntry struct {
	session  *chat.Session
	lastUsed time.Time
}

// NewServer builds a Server over mgr.
func NewServer(mgr *mcpmgr.Manager, opts *Options) (*Server, error) {
	if mgr == nil {
		return nil, fmt.Errorf("mcpapi: manager is required")
	}
	s := &Server{
		manager:  mgr,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*chatEntry),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the API handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/mcp/connect", s.handleConnect)
	mux.HandleFunc("POST /api/mcp/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/mcp/tools", s.handleListTools)
	mux.HandleFunc("GET /api/mcp/prompts", s.handleListPrompts)
	mux.HandleFunc("GET /api/mcp/resources", s.handleListResources)
	mux.HandleFunc("POST /api/mcp/tools/execute", s.handleExecuteTool)
	mux.HandleFunc("POST /api/mcp/prompts/get", s.handleGetPrompt)
	mux.HandleFunc("POST /api/mcp/resources/read", s.handleReadResource)
	mux.HandleFunc("GET /api/mcp/servers", s.handleListServers)
	mux.HandleFunc("POST /api/mcp/servers", s.handleRegisterServer)
	mux.HandleFunc("POST /api/mcp/servers/remove", s.handleRemoveServer)
	mux.HandleFunc("POST /api/mcp/servers/connect", s.handleConnectServer)
	mux.HandleFunc("GET /api/mcp/servers/export", s.handleExport)
	mux.HandleFunc("POST /api/mcp/servers/import", s.handleImport)
	mux.HandleFunc("POST /api/mcp/dispatch", s.handleDispatch)
	if s.opts.NewChat != nil {
		mux.HandleFunc("POST /api/chat", s.handleChat)
		mux.HandleFunc("POST /api/chat/reset", s.handleChatReset)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.requireJSON(mux))
}

// requireJSON rejects POST bodies that are not application/json.
func (s *Server) requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			ctype, err := contenttype.GetMediaType(r)
			if err != nil || !ctype.Matches(jsonMediaType) {
				writeError(w, http.StatusUnsupportedMediaType, "UnsupportedMediaType", "mcpapi: request body must be application/json")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServerMu.Lock()
	if s.httpServer != nil {
		serv := s.httpServer
		s.httpServerMu.Unlock()
		return fmt.Errorf("mcpapi: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.Handler()}
	s.httpServer = srv
	s.httpServerMu.Unlock()
	defer func() {
		s.httpServerMu.Lock()
		if s.httpServer == srv {
			s.httpServer = nil
		}
		s.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("api listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpServerMu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}
