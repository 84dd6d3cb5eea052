package mcpmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// TransportKind identifies the transport family used to reach a server.
type TransportKind string

const (
	TransportProcess       TransportKind = "process"
	TransportEventStream   TransportKind = "event-stream"
	TransportStreamingHTTP TransportKind = "streaming-http"
)

// ParseTransportKind maps a wire value to a TransportKind. The aliases used
// by the TypeScript MCP tooling ("stdio", "sse", "streamable-http") are
// accepted as well.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "process", "stdio":
		return TransportProcess, nil
	case "event-stream", "sse":
		return TransportEventStream, nil
	case "streaming-http", "streamable-http", "http":
		return TransportStreamingHTTP, nil
	default:
		return "", &Error{Kind: ErrUnsupportedTransport, Err: fmt.Errorf("unknown transport %q", s)}
	}
}

// TransportConfig is implemented by the per-transport parameter groups
// (ProcessTransport, EventStreamTransport, StreamingHTTPTransport). The set is
// closed: only types in this package satisfy it.
type TransportConfig interface {
	Kind() TransportKind
	cloneConfig() TransportConfig
}

// ProcessTransport launches the server as a child process speaking MCP over
// stdin/stdout.
type ProcessTransport struct {
	Command string
	Args    []string
	// Env holds overrides appended to the parent environment.
	Env map[string]string
}

func (*ProcessTransport) Kind() TransportKind { return TransportProcess }

func (c *ProcessTransport) cloneConfig() TransportConfig {
	return &ProcessTransport{Command: c.Command, Args: slices.Clone(c.Args), Env: maps.Clone(c.Env)}
}

// EventStreamTransport reaches a server through the legacy HTTP+SSE transport.
type EventStreamTransport struct {
	URL     string
	Headers map[string]string
}

func (*EventStreamTransport) Kind() TransportKind { return TransportEventStream }

func (c *EventStreamTransport) cloneConfig() TransportConfig {
	return &EventStreamTransport{URL: c.URL, Headers: maps.Clone(c.Headers)}
}

// StreamingHTTPTransport reaches a server through the Streamable HTTP
// transport.
type StreamingHTTPTransport struct {
	URL        string
	Headers    map[string]string
	MaxRetries int
}

func (*StreamingHTTPTransport) Kind() TransportKind { return TransportStreamingHTTP }

func (c *StreamingHTTPTransport) cloneConfig() TransportConfig {
	return &StreamingHTTPTransport{URL: c.URL, Headers: maps.Clone(c.Headers), MaxRetries: c.MaxRetries}
}

// ServerDescriptor is the registered identity and connection parameters of
// one backend server.
type ServerDescriptor struct {
	ID          string
	Name        string
	Description string
	Transport   TransportConfig
}

// Kind returns the descriptor's transport kind, or "" when unset.
func (d ServerDescriptor) Kind() TransportKind {
	if d.Transport == nil {
		return ""
	}
	return d.Transport.Kind()
}

// DisplayName returns Name, falling back to ID.
func (d ServerDescriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Clone returns a deep copy so callers cannot mutate registry-owned data.
func (d ServerDescriptor) Clone() ServerDescriptor {
	out := d
	if d.Transport != nil {
		out.Transport = d.Transport.cloneConfig()
	}
	return out
}

// Spec converts the descriptor to its flat wire form.
func (d ServerDescriptor) Spec() DescriptorSpec {
	spec := DescriptorSpec{ID: d.ID, Name: d.Name, Description: d.Description, Transport: string(d.Kind())}
	switch c := d.Transport.(type) {
	case *ProcessTransport:
		spec.Command = c.Command
		spec.Args = slices.Clone(c.Args)
		spec.Env = maps.Clone(c.Env)
	case *EventStreamTransport:
		spec.URL = c.URL
		spec.Headers = maps.Clone(c.Headers)
	case *StreamingHTTPTransport:
		spec.URL = c.URL
		spec.Headers = maps.Clone(c.Headers)
		spec.MaxRetries = c.MaxRetries
	}
	return spec
}

// MarshalJSON encodes the descriptor using DescriptorSpec.
func (d ServerDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Spec())
}

// UnmarshalJSON decodes a DescriptorSpec and validates its parameter groups.
func (d *ServerDescriptor) UnmarshalJSON(data []byte) error {
	var spec DescriptorSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	desc, err := spec.Descriptor()
	if err != nil {
		return err
	}
	*d = desc
	return nil
}

// DescriptorSpec is the flat, serializable form of a ServerDescriptor. It is
// the shape used by the HTTP API, the servers file, and the persisted server
// list.
type DescriptorSpec struct {
	ID          string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Transport   string            `json:"transport" yaml:"transport"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	MaxRetries  int               `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// Descriptor converts the spec into a ServerDescriptor. Exactly one parameter
// group may be populated and it must match the transport kind. Required
// fields (command, URL) are checked later by the TransportFactory so that a
// server can be registered before it is fully configured.
func (s DescriptorSpec) Descriptor() (ServerDescriptor, error) {
	kind, err := ParseTransportKind(s.Transport)
	if err != nil {
		return ServerDescriptor{}, withServer(err, s.ID, s.Name)
	}
	hasProcess := s.Command != "" || len(s.Args) > 0 || len(s.Env) > 0
	hasEndpoint := s.URL != "" || len(s.Headers) > 0 || s.MaxRetries != 0

	desc := ServerDescriptor{ID: s.ID, Name: s.Name, Description: s.Description}
	switch kind {
	case TransportProcess:
		if hasEndpoint {
			return ServerDescriptor{}, invalidConfig(s, "process transport does not accept url, headers, or maxRetries")
		}
		desc.Transport = &ProcessTransport{Command: s.Command, Args: slices.Clone(s.Args), Env: maps.Clone(s.Env)}
	case TransportEventStream:
		if hasProcess {
			return ServerDescriptor{}, invalidConfig(s, "event-stream transport does not accept command, args, or env")
		}
		if s.MaxRetries != 0 {
			return ServerDescriptor{}, invalidConfig(s, "event-stream transport does not accept maxRetries")
		}
		desc.Transport = &EventStreamTransport{URL: s.URL, Headers: maps.Clone(s.Headers)}
	case TransportStreamingHTTP:
		if hasProcess {
			return ServerDescriptor{}, invalidConfig(s, "streaming-http transport does not accept command, args, or env")
		}
		desc.Transport = &StreamingHTTPTransport{URL: s.URL, Headers: maps.Clone(s.Headers), MaxRetries: s.MaxRetries}
	}
	return desc, nil
}

func invalidConfig(s DescriptorSpec, msg string) error {
	return &Error{Kind: ErrInvalidConfiguration, ServerID: s.ID, ServerName: s.Name, Err: errors.New(msg)}
}

// ConflictPolicy decides how ToolDispatchBridge resolves a tool name exposed
// by more than one connected server.
type ConflictPolicy int

const (
	// ConflictFirstMatch picks the earliest registered server and logs a
	// warning naming every server that exposes the tool.
	ConflictFirstMatch ConflictPolicy = iota
	// ConflictReject fails resolution with ErrToolConflict.
	ConflictReject
)

// ManagerOptions configures a Manager and the components it wires together.
type ManagerOptions struct {
	// ClientName is advertised to servers during initialization.
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// HandshakeTimeout bounds connect and reattach handshakes.
	HandshakeTimeout time.Duration
	// CallTimeout bounds every catalog fetch and tool/prompt/resource call.
	CallTimeout time.Duration
	// RehydrateTimeout bounds each server's revalidation during rehydration.
	RehydrateTimeout time.Duration
	// PersistTimeout bounds each snapshot write to the store.
	PersistTimeout time.Duration
	// Factory builds transports. Defaults to an SDKFactory.
	Factory TransportFactory
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// RPCLogger receives JSON-RPC traffic from the default factory.
	RPCLogger RPCLogger
	// LogJSONRPC routes JSON-RPC traffic to Logger at debug level when no
	// RPCLogger is set.
	LogJSONRPC bool
	// ConflictPolicy controls tool-name conflicts during dispatch.
	ConflictPolicy ConflictPolicy
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var opts ManagerOptions
	if o != nil {
		opts = *o
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-chat-bridge"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.RehydrateTimeout <= 0 {
		opts.RehydrateTimeout = 15 * time.Second
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RPCLogger == nil && opts.LogJSONRPC {
		logger := opts.Logger
		opts.RPCLogger = func(event RPCLogEvent) {
			logger.Debug("jsonrpc", "server", event.ServerID, "direction", string(event.Direction), "message", string(event.Message))
		}
	}
	if opts.Factory == nil {
		opts.Factory = &SDKFactory{
			ClientName:    opts.ClientName,
			ClientVersion: opts.ClientVersion,
			RPCLogger:     opts.RPCLogger,
		}
	}
	return opts
}
