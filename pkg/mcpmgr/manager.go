package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore"
)

// Manager composes the registry, cache, bridge, and rehydrator over one
// persisted store. It is the entry point for the HTTP API and the chat layer.
type Manager struct {
	options    ManagerOptions
	logger     *slog.Logger
	snap       *snapshotter
	registry   *Registry
	cache      *Cache
	bridge     *Bridge
	rehydrator *Rehydrator
}

// NewManager wires a Manager. A nil store disables persistence.
func NewManager(store kvstore.Store, opts *ManagerOptions) *Manager {
	o := opts.normalized()
	snap := newSnapshotter(store, o.Logger, o.PersistTimeout)
	registry := NewRegistry(&o)
	registry.snap = snap
	cache := NewCache(registry, &o)
	cache.snap = snap
	return &Manager{
		options:    o,
		logger:     o.Logger,
		snap:       snap,
		registry:   registry,
		cache:      cache,
		bridge:     NewBridge(registry, cache, &o),
		rehydrator: NewRehydrator(registry, cache, &o),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }
func (m *Manager) Cache() *Cache       { return m.cache }
func (m *Manager) Bridge() *Bridge     { return m.bridge }

// Load restores descriptors, connection states, and catalogs from the store.
// Catalogs are kept only for servers believed connected. Call Rehydrate next
// to revalidate those servers.
func (m *Manager) Load(ctx context.Context) error {
	if m.snap == nil {
		return nil
	}
	st, err := m.snap.load(ctx)
	if err != nil {
		return err
	}
	descs := make([]ServerDescriptor, 0, len(st.Servers))
	for _, spec := range st.Servers {
		desc, err := spec.Descriptor()
		if err != nil {
			m.logger.Warn("skipping persisted server", "server", spec.ID, "error", err)
			continue
		}
		descs = append(descs, desc)
	}
	m.registry.Restore(descs, st.Connections)
	m.cache.Restore(st.Tools, st.Prompts, st.Resources, m.registry.IsConnected)
	m.logger.Info("state loaded", "servers", len(descs))
	return nil
}

// Rehydrate revalidates believed-connected servers once. See Rehydrator.Run.
func (m *Manager) Rehydrate(ctx context.Context) RehydrationReport {
	return m.rehydrator.Run(ctx)
}

// RegisterServer adds a server from its wire form. A fresh id is assigned
// when spec.ID is empty.
func (m *Manager) RegisterServer(ctx context.Context, spec DescriptorSpec) (ServerDescriptor, error) {
	desc, err := spec.Descriptor()
	if err != nil {
		return ServerDescriptor{}, err
	}
	return m.registry.Register(ctx, desc)
}

// UpdateServer replaces a disconnected server's descriptor.
func (m *Manager) UpdateServer(ctx context.Context, id string, spec DescriptorSpec) error {
	spec.ID = id
	desc, err := spec.Descriptor()
	if err != nil {
		return err
	}
	return m.registry.Update(ctx, desc)
}

// RemoveServer disconnects and forgets a server.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	return m.registry.Remove(ctx, id)
}

// Connect connects desc, registering it if needed, and refreshes its
// catalogs.
func (m *Manager) Connect(ctx context.Context, desc ServerDescriptor) error {
	if err := m.registry.Connect(ctx, desc); err != nil {
		return err
	}
	return m.cache.Refresh(ctx, desc.ID)
}

// ConnectServer connects an already registered server and refreshes its
// catalogs.
func (m *Manager) ConnectServer(ctx context.Context, id string) error {
	desc, ok := m.registry.Descriptor(id)
	if !ok {
		return unknownServer(id)
	}
	return m.Connect(ctx, desc)
}

// DisconnectServer disconnects one server. It is idempotent.
func (m *Manager) DisconnectServer(ctx context.Context, id string) error {
	return m.registry.Disconnect(ctx, id)
}

// DisconnectAll disconnects every server.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	return m.registry.DisconnectAll(ctx)
}

// Shutdown closes every transport without recording the disconnects, so the
// next start rehydrates the servers that were connected.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.snap.freeze()
	return m.registry.DisconnectAll(ctx)
}

// Servers lists registered servers with their states.
func (m *Manager) Servers() []ServerSummary { return m.registry.Servers() }

// Status returns one server's connection state.
func (m *Manager) Status(id string) (ConnectionState, bool) { return m.registry.Status(id) }

// ListTools fetches the tool list from the server, bypassing the cache.
func (m *Manager) ListTools(ctx context.Context, id string) ([]Tool, error) {
	var tools []Tool
	err := m.withLease(ctx, id, "tools/list", ErrCatalogFetchFailed, func(ctx context.Context, t Transport) (err error) {
		tools, err = t.ListTools(ctx)
		return err
	})
	return tools, err
}

// ListPrompts fetches the prompt list from the server, bypassing the cache.
func (m *Manager) ListPrompts(ctx context.Context, id string) ([]Prompt, error) {
	var prompts []Prompt
	err := m.withLease(ctx, id, "prompts/list", ErrCatalogFetchFailed, func(ctx context.Context, t Transport) (err error) {
		prompts, err = t.ListPrompts(ctx)
		return err
	})
	return prompts, err
}

// ListResources fetches the resource list from the server, bypassing the
// cache.
func (m *Manager) ListResources(ctx context.Context, id string) ([]Resource, error) {
	var resources []Resource
	err := m.withLease(ctx, id, "resources/list", ErrCatalogFetchFailed, func(ctx context.Context, t Transport) (err error) {
		resources, err = t.ListResources(ctx)
		return err
	})
	return resources, err
}

// ExecuteTool calls a tool on a specific server.
func (m *Manager) ExecuteTool(ctx context.Context, id, name string, args map[string]any) (*CallResult, error) {
	if name == "" {
		return nil, &Error{Kind: ErrInvalidConfiguration, ServerID: id, Err: errors.New("tool name is required")}
	}
	var res *CallResult
	err := m.withLease(ctx, id, name, ErrToolCallFailed, func(ctx context.Context, t Transport) (err error) {
		res, err = t.CallTool(ctx, name, args)
		return err
	})
	return res, err
}

// GetPrompt expands a prompt on a specific server.
func (m *Manager) GetPrompt(ctx context.Context, id, name string, args map[string]string) (*PromptResult, error) {
	if name == "" {
		return nil, &Error{Kind: ErrInvalidConfiguration, ServerID: id, Err: errors.New("prompt name is required")}
	}
	var res *PromptResult
	err := m.withLease(ctx, id, name, ErrRequestFailed, func(ctx context.Context, t Transport) (err error) {
		res, err = t.GetPrompt(ctx, name, args)
		return err
	})
	return res, err
}

// ReadResource reads a resource from a specific server.
func (m *Manager) ReadResource(ctx context.Context, id, uri string) (*ResourceResult, error) {
	if uri == "" {
		return nil, &Error{Kind: ErrInvalidConfiguration, ServerID: id, Err: errors.New("resource uri is required")}
	}
	var res *ResourceResult
	err := m.withLease(ctx, id, uri, ErrRequestFailed, func(ctx context.Context, t Transport) (err error) {
		res, err = t.ReadResource(ctx, uri)
		return err
	})
	return res, err
}

// InvokeTool resolves a tool by name across connected servers and calls it.
func (m *Manager) InvokeTool(ctx context.Context, name string, args map[string]any) (*NormalizedResult, error) {
	return m.bridge.Invoke(ctx, name, args)
}

// ImportServers registers each spec under a fresh id. Ids in the input are
// ignored so an import never collides with existing servers.
func (m *Manager) ImportServers(ctx context.Context, specs []DescriptorSpec) ([]ServerDescriptor, error) {
	out := make([]ServerDescriptor, 0, len(specs))
	var errs []error
	for i, spec := range specs {
		spec.ID = ""
		desc, err := m.RegisterServer(ctx, spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("server %d (%s): %w", i, spec.Name, err))
			continue
		}
		out = append(out, desc)
	}
	return out, errors.Join(errs...)
}

// ExportServers returns every registered descriptor in wire form.
func (m *Manager) ExportServers() []DescriptorSpec {
	servers := m.registry.Servers()
	out := make([]DescriptorSpec, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Descriptor.Spec())
	}
	return out
}

func (m *Manager) withLease(ctx context.Context, id, capability string, fallback error, call func(context.Context, Transport) error) error {
	lease, err := m.registry.Lease(id)
	if err != nil {
		return err
	}
	callCtx, cancel := lease.Bind(ctx, m.options.CallTimeout)
	defer cancel()
	if err := call(callCtx, lease.transport); err != nil {
		return lease.Err(fallback, capability, err)
	}
	return nil
}
