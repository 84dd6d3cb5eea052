package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport is a live client session to one server. Implementations must be
// safe for concurrent use once Handshake has returned.
type Transport interface {
	// Handshake opens the session and performs protocol initialization.
	Handshake(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	ListResources(ctx context.Context) ([]Resource, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error)
	ReadResource(ctx context.Context, uri string) (*ResourceResult, error)
	// Close releases the session. Spawned processes are terminated.
	Close() error
}

// ListChangeNotifier is implemented by transports that forward the server's
// list_changed notifications. The registry installs the callback before
// Handshake.
type ListChangeNotifier interface {
	OnListChanged(func(CatalogKind))
}

// SessionIdentifier is implemented by transports that know the session id
// negotiated with the server.
type SessionIdentifier interface {
	SessionID() string
}

// TransportFactory builds an unconnected Transport for a descriptor. Build
// must not perform I/O.
type TransportFactory interface {
	Build(desc ServerDescriptor) (Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(desc ServerDescriptor) (Transport, error)

func (f TransportFactoryFunc) Build(desc ServerDescriptor) (Transport, error) { return f(desc) }

// SDKFactory builds transports backed by the MCP Go SDK.
type SDKFactory struct {
	ClientName    string
	ClientVersion string
	// HTTPClient is the base client for stream transports. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	RPCLogger  RPCLogger
	// DisableProcess rejects process transports with
	// ErrEnvironmentUnsupported, for deployments that must not spawn.
	DisableProcess bool
	// KeepAlive enables periodic pings on every session when positive.
	KeepAlive time.Duration
}

func (f *SDKFactory) Build(desc ServerDescriptor) (Transport, error) {
	if desc.Transport == nil {
		return nil, &Error{Kind: ErrInvalidConfiguration, ServerID: desc.ID, ServerName: desc.Name, Err: errors.New("transport parameters missing")}
	}
	opts := sdkOptions{
		impl:      &mcp.Implementation{Name: f.clientName(), Version: f.clientVersion()},
		rpcLogger: f.RPCLogger,
		keepAlive: f.KeepAlive,
	}
	switch cfg := desc.Transport.(type) {
	case *ProcessTransport:
		if cfg.Command == "" {
			return nil, &Error{Kind: ErrInvalidConfiguration, ServerID: desc.ID, ServerName: desc.Name, Err: errors.New("process transport requires a command")}
		}
		if f.DisableProcess || !processSpawnSupported() {
			return nil, &Error{
				Kind:       ErrEnvironmentUnsupported,
				ServerID:   desc.ID,
				ServerName: desc.Name,
				Err:        fmt.Errorf("process transport cannot run on %s", runtime.GOOS),
				Hint:       "use an event-stream or streaming-http server instead",
			}
		}
		return newSDKTransport(desc, buildCommandTransport(cfg), opts), nil
	case *EventStreamTransport:
		if err := validateEndpoint(desc, cfg.URL); err != nil {
			return nil, err
		}
		tracker := &sessionIDTracker{}
		opts.tracker = tracker
		return newSDKTransport(desc, &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: decorateHTTPClient(f.HTTPClient, cfg.Headers, tracker),
		}, opts), nil
	case *StreamingHTTPTransport:
		if err := validateEndpoint(desc, cfg.URL); err != nil {
			return nil, err
		}
		tracker := &sessionIDTracker{}
		opts.tracker = tracker
		return newSDKTransport(desc, &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: decorateHTTPClient(f.HTTPClient, cfg.Headers, tracker),
			MaxRetries: cfg.MaxRetries,
		}, opts), nil
	default:
		return nil, &Error{Kind: ErrUnsupportedTransport, ServerID: desc.ID, ServerName: desc.Name, Err: fmt.Errorf("transport %T", cfg)}
	}
}

func (f *SDKFactory) clientName() string {
	if f.ClientName != "" {
		return f.ClientName
	}
	return "mcp-chat-bridge"
}

func (f *SDKFactory) clientVersion() string {
	if f.ClientVersion != "" {
		return f.ClientVersion
	}
	return "1.0.0"
}

func processSpawnSupported() bool {
	switch runtime.GOOS {
	case "js", "wasip1":
		return false
	default:
		return true
	}
}

func buildCommandTransport(cfg *ProcessTransport) *mcp.CommandTransport {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		keys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := os.Environ()
		for _, k := range keys {
			env = append(env, fmt.Sprintf("%s=%s", k, cfg.Env[k]))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}
}

func validateEndpoint(desc ServerDescriptor, raw string) error {
	if raw == "" {
		return &Error{Kind: ErrInvalidConfiguration, ServerID: desc.ID, ServerName: desc.Name, Err: fmt.Errorf("%s transport requires a url", desc.Kind())}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{Kind: ErrInvalidConfiguration, ServerID: desc.ID, ServerName: desc.Name, Err: fmt.Errorf("invalid url %q", raw)}
	}
	return nil
}
