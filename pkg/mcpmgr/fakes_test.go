package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// fakeBackend plays the part of one MCP server for registry, cache, and
// bridge tests.
type fakeBackend struct {
	mu sync.Mutex

	tools     []Tool
	prompts   []Prompt
	resources []Resource

	handshakeErr   error
	handshakeDelay time.Duration
	toolsErr       error
	promptsErr     error
	resourcesErr   error

	// toolsStarted, when set, is signalled when ListTools begins; the call
	// then blocks until its context ends.
	toolsStarted chan struct{}

	call func(ctx context.Context, name string, args map[string]any) (*CallResult, error)

	builds     int
	handshakes int
	live       int
	maxLive    int
}

func (b *fakeBackend) setTools(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools = nil
	for _, n := range names {
		b.tools = append(b.tools, Tool{Name: n, Description: n + " tool", InputSchema: []byte(`{"type":"object"}`)})
	}
}

func (b *fakeBackend) stats() (builds, live, maxLive int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds, b.live, b.maxLive
}

type fakeTransport struct {
	b      *fakeBackend
	mu     sync.Mutex
	open   bool
	notify func(CatalogKind)
}

func (t *fakeTransport) OnListChanged(fn func(CatalogKind)) {
	t.mu.Lock()
	t.notify = fn
	t.mu.Unlock()
}

func (t *fakeTransport) announce(kind CatalogKind) {
	t.mu.Lock()
	fn := t.notify
	t.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

func (t *fakeTransport) Handshake(ctx context.Context) error {
	t.b.mu.Lock()
	delay, err := t.b.handshakeDelay, t.b.handshakeErr
	t.b.handshakes++
	t.b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	t.b.mu.Lock()
	t.b.live++
	if t.b.live > t.b.maxLive {
		t.b.maxLive = t.b.live
	}
	t.b.mu.Unlock()
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) ListTools(ctx context.Context) ([]Tool, error) {
	t.b.mu.Lock()
	started, tools, err := t.b.toolsStarted, cloneTools(t.b.tools), t.b.toolsErr
	t.b.mu.Unlock()
	if started != nil {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return tools, err
}

func (t *fakeTransport) ListPrompts(context.Context) ([]Prompt, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return append([]Prompt{}, t.b.prompts...), t.b.promptsErr
}

func (t *fakeTransport) ListResources(context.Context) ([]Resource, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return append([]Resource{}, t.b.resources...), t.b.resourcesErr
}

func (t *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	t.b.mu.Lock()
	call := t.b.call
	t.b.mu.Unlock()
	if call == nil {
		return &CallResult{Content: []ContentItem{{Type: "text", Text: name + " ok"}}}, nil
	}
	return call(ctx, name, args)
}

func (t *fakeTransport) GetPrompt(_ context.Context, name string, _ map[string]string) (*PromptResult, error) {
	return &PromptResult{Messages: []PromptMessage{{Role: "user", Content: ContentItem{Type: "text", Text: name}}}}, nil
}

func (t *fakeTransport) ReadResource(_ context.Context, uri string) (*ResourceResult, error) {
	return &ResourceResult{Contents: []ResourceContent{{URI: uri, Text: "contents"}}}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	wasOpen := t.open
	t.open = false
	t.mu.Unlock()
	if wasOpen {
		t.b.mu.Lock()
		t.b.live--
		t.b.mu.Unlock()
	}
	return nil
}

// fakeFactory hands out fakeTransports keyed by server id.
type fakeFactory struct {
	mu       sync.Mutex
	backends map[string]*fakeBackend
	last     map[string]*fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{backends: map[string]*fakeBackend{}, last: map[string]*fakeTransport{}}
}

func (f *fakeFactory) backend(id string) *fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[id]
	if !ok {
		b = &fakeBackend{}
		f.backends[id] = b
	}
	return b
}

func (f *fakeFactory) lastTransport(id string) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[id]
}

func (f *fakeFactory) Build(desc ServerDescriptor) (Transport, error) {
	if desc.Transport == nil {
		return nil, &Error{Kind: ErrInvalidConfiguration, ServerID: desc.ID, Err: errors.New("transport parameters missing")}
	}
	b := f.backend(desc.ID)
	b.mu.Lock()
	b.builds++
	b.mu.Unlock()
	t := &fakeTransport{b: b}
	f.mu.Lock()
	f.last[desc.ID] = t
	f.mu.Unlock()
	return t, nil
}

func streamDesc(id string) ServerDescriptor {
	return ServerDescriptor{ID: id, Name: id + "-name", Transport: &StreamingHTTPTransport{URL: fmt.Sprintf("http://%s.example/mcp", id)}}
}

func processDesc(id string) ServerDescriptor {
	return ServerDescriptor{ID: id, Name: id + "-name", Transport: &ProcessTransport{Command: "mcp-" + id}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(f TransportFactory) *ManagerOptions {
	return &ManagerOptions{
		Factory:          f,
		Logger:           quietLogger(),
		HandshakeTimeout: 2 * time.Second,
		CallTimeout:      2 * time.Second,
		RehydrateTimeout: 2 * time.Second,
	}
}
