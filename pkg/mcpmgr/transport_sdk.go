package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const sessionIDHeaderName = "Mcp-Session-Id"

type sdkOptions struct {
	impl      *mcp.Implementation
	rpcLogger RPCLogger
	keepAlive time.Duration
	tracker   *sessionIDTracker
}

// sdkTransport adapts an SDK client session to Transport. An mcp.Transport
// can be connected once, so each sdkTransport is good for one session.
type sdkTransport struct {
	desc      ServerDescriptor
	transport mcp.Transport
	opts      sdkOptions

	mu            sync.Mutex
	session       *mcp.ClientSession
	stop          context.CancelFunc
	onListChanged func(CatalogKind)
}

func newSDKTransport(desc ServerDescriptor, transport mcp.Transport, opts sdkOptions) *sdkTransport {
	if opts.impl == nil {
		opts.impl = &mcp.Implementation{Name: "mcp-chat-bridge", Version: "1.0.0"}
	}
	return &sdkTransport{desc: desc, transport: transport, opts: opts}
}

func (t *sdkTransport) OnListChanged(fn func(CatalogKind)) {
	t.mu.Lock()
	t.onListChanged = fn
	t.mu.Unlock()
}

func (t *sdkTransport) notify(kind CatalogKind) {
	t.mu.Lock()
	fn := t.onListChanged
	t.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

func (t *sdkTransport) Handshake(ctx context.Context) error {
	client := mcp.NewClient(t.opts.impl, &mcp.ClientOptions{
		KeepAlive: t.opts.keepAlive,
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			t.notify(CatalogTools)
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			t.notify(CatalogPrompts)
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			t.notify(CatalogResources)
		},
	})
	wrapped := t.transport
	if t.opts.rpcLogger != nil {
		wrapped = &loggingTransport{serverID: t.desc.ID, delegate: t.transport, logger: t.opts.rpcLogger}
	}
	// The SSE client binds its event stream to the Connect context, so the
	// session runs on its own context and ctx only bounds the handshake.
	sessCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	type connected struct {
		session *mcp.ClientSession
		err     error
	}
	done := make(chan connected, 1)
	go func() {
		session, err := client.Connect(sessCtx, wrapped, nil)
		done <- connected{session, err}
	}()
	var res connected
	select {
	case res = <-done:
	case <-ctx.Done():
		stop()
		if late := <-done; late.session != nil {
			_ = late.session.Close()
		}
		return ctx.Err()
	}
	if res.err != nil {
		stop()
		return res.err
	}
	session := res.session
	t.mu.Lock()
	t.session = session
	t.stop = stop
	t.mu.Unlock()
	if t.opts.tracker != nil && session.ID() != "" {
		t.opts.tracker.Set(session.ID())
	}
	return nil
}

func (t *sdkTransport) SessionID() string {
	if t.opts.tracker != nil {
		if id := t.opts.tracker.Value(); id != "" {
			return id
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return ""
	}
	return t.session.ID()
}

func (t *sdkTransport) live() (*mcp.ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil, notConnected(t.desc)
	}
	return t.session, nil
}

func (t *sdkTransport) ListTools(ctx context.Context) ([]Tool, error) {
	session, err := t.live()
	if err != nil {
		return nil, err
	}
	tools := []Tool{}
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "tools/list") {
				return []Tool{}, nil
			}
			return nil, err
		}
		for _, tool := range res.Tools {
			if tool != nil {
				tools = append(tools, toolFromSDK(tool))
			}
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (t *sdkTransport) ListPrompts(ctx context.Context) ([]Prompt, error) {
	session, err := t.live()
	if err != nil {
		return nil, err
	}
	prompts := []Prompt{}
	params := &mcp.ListPromptsParams{}
	for {
		res, err := session.ListPrompts(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "prompts/list") {
				return []Prompt{}, nil
			}
			return nil, err
		}
		for _, p := range res.Prompts {
			if p == nil {
				continue
			}
			prompt := Prompt{Name: p.Name, Description: p.Description}
			for _, arg := range p.Arguments {
				if arg != nil {
					prompt.Arguments = append(prompt.Arguments, PromptArgument{Name: arg.Name, Description: arg.Description, Required: arg.Required})
				}
			}
			prompts = append(prompts, prompt)
		}
		if res.NextCursor == "" {
			return prompts, nil
		}
		params = &mcp.ListPromptsParams{Cursor: res.NextCursor}
	}
}

func (t *sdkTransport) ListResources(ctx context.Context) ([]Resource, error) {
	session, err := t.live()
	if err != nil {
		return nil, err
	}
	resources := []Resource{}
	params := &mcp.ListResourcesParams{}
	for {
		res, err := session.ListResources(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "resources/list") {
				return []Resource{}, nil
			}
			return nil, err
		}
		for _, r := range res.Resources {
			if r != nil {
				resources = append(resources, Resource{URI: r.URI, Name: r.Name, Description: r.Description, MIMEType: r.MIMEType})
			}
		}
		if res.NextCursor == "" {
			return resources, nil
		}
		params = &mcp.ListResourcesParams{Cursor: res.NextCursor}
	}
}

func (t *sdkTransport) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	session, err := t.live()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	out := &CallResult{Content: make([]ContentItem, 0, len(res.Content)), StructuredContent: res.StructuredContent, IsError: res.IsError}
	for _, c := range res.Content {
		out.Content = append(out.Content, contentFromSDK(c))
	}
	return out, nil
}

func (t *sdkTransport) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	session, err := t.live()
	if err != nil {
		return nil, err
	}
	res, err := session.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	out := &PromptResult{Description: res.Description, Messages: make([]PromptMessage, 0, len(res.Messages))}
	for _, msg := range res.Messages {
		if msg == nil {
			continue
		}
		out.Messages = append(out.Messages, PromptMessage{Role: string(msg.Role), Content: contentFromSDK(msg.Content)})
	}
	return out, nil
}

func (t *sdkTransport) ReadResource(ctx context.Context, uri string) (*ResourceResult, error) {
	session, err := t.live()
	if err != nil {
		return nil, err
	}
	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	out := &ResourceResult{Contents: make([]ResourceContent, 0, len(res.Contents))}
	for _, c := range res.Contents {
		if c != nil {
			out.Contents = append(out.Contents, ResourceContent{URI: c.URI, MIMEType: c.MIMEType, Text: c.Text, Blob: c.Blob})
		}
	}
	return out, nil
}

func (t *sdkTransport) Close() error {
	t.mu.Lock()
	session, stop := t.session, t.stop
	t.session, t.stop = nil, nil
	t.mu.Unlock()
	if session == nil {
		return nil
	}
	err := session.Close()
	stop()
	return err
}

func toolFromSDK(tool *mcp.Tool) Tool {
	out := Tool{Name: tool.Name, Description: tool.Description}
	if tool.InputSchema != nil {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			out.InputSchema = raw
		}
	}
	if len(out.InputSchema) == 0 || string(out.InputSchema) == "null" {
		out.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	return out
}

func contentFromSDK(c mcp.Content) ContentItem {
	switch v := c.(type) {
	case *mcp.TextContent:
		return ContentItem{Type: "text", Text: v.Text}
	case *mcp.ImageContent:
		return ContentItem{Type: "image", Data: v.Data, MIMEType: v.MIMEType}
	case *mcp.AudioContent:
		return ContentItem{Type: "audio", Data: v.Data, MIMEType: v.MIMEType}
	case *mcp.ResourceLink:
		return ContentItem{Type: "resource_link", URI: v.URI, Name: v.Name, MIMEType: v.MIMEType}
	case *mcp.EmbeddedResource:
		item := ContentItem{Type: "resource"}
		if v.Resource != nil {
			item.URI = v.Resource.URI
			item.MIMEType = v.Resource.MIMEType
			item.Text = v.Resource.Text
			item.Data = v.Resource.Blob
		}
		return item
	case nil:
		return ContentItem{Type: "unknown"}
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return ContentItem{Type: "unknown"}
		}
		return ContentItem{Type: "unknown", Data: raw, MIMEType: "application/json"}
	}
}

type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}

// isMethodUnavailableError reports whether err is a server saying it does not
// implement method, as opposed to a transport or server failure.
func isMethodUnavailableError(err error, method string) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "method not found") {
		return true
	}
	if !(strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	method = strings.ToLower(method)
	if strings.Contains(lower, method) {
		return true
	}
	for _, part := range strings.FieldsFunc(method, func(r rune) bool {
		return r == '/' || r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "list" && part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// sessionIDTracker records the session id a stream server assigned, either
// from the handshake or from the Mcp-Session-Id response header.
type sessionIDTracker struct {
	mu    sync.RWMutex
	value string
}

func (s *sessionIDTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionIDTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func decorateHTTPClient(base *http.Client, headers map[string]string, tracker *sessionIDTracker) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: toHeader(headers),
		tracker: tracker,
	}
	return &clone
}

func toHeader(values map[string]string) http.Header {
	if len(values) == 0 {
		return nil
	}
	h := make(http.Header, len(values))
	for k, v := range values {
		h.Set(k, v)
	}
	return h
}

// headerDecorator injects per-server headers into every request and observes
// the session id the server hands back.
type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
	tracker *sessionIDTracker
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(d.headers) > 0 {
		req = req.Clone(req.Context())
		for k, values := range d.headers {
			req.Header.Del(k)
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
	}
	resp, err := d.next.RoundTrip(req)
	if err == nil && d.tracker != nil {
		if id := resp.Header.Get(sessionIDHeaderName); id != "" {
			d.tracker.Set(id)
		}
	}
	return resp, err
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
