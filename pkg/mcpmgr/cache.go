package mcpmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServerTool is a cached tool together with the server that exposes it.
type ServerTool struct {
	ServerID string
	Tool     Tool
}

// Cache holds the last successfully fetched catalogs of each connected server.
// Entries are evicted whenever the registry drops the server's transport.
type Cache struct {
	registry    *Registry
	logger      *slog.Logger
	now         func() time.Time
	callTimeout time.Duration
	snap        *snapshotter

	mu      sync.RWMutex
	entries map[string]Catalog
}

// NewCache creates a cache bound to registry. It subscribes to the
// registry's disconnect and list-changed hooks.
func NewCache(registry *Registry, opts *ManagerOptions) *Cache {
	o := opts.normalized()
	c := &Cache{
		registry:    registry,
		logger:      o.Logger,
		now:         o.Now,
		callTimeout: o.CallTimeout,
		entries:     make(map[string]Catalog),
	}
	registry.OnDisconnect(func(id string) { c.evict(context.Background(), id) })
	registry.OnListChanged(func(id string, kind CatalogKind) {
		if err := c.Refresh(context.Background(), id); err != nil {
			c.logger.Warn("refresh after list change failed", "server", id, "catalog", string(kind), "error", err)
		}
	})
	return c
}

// Refresh fetches all three catalogs of a connected server and replaces its
// entry. A tools failure fails the refresh and demotes the server; prompts
// and resources failures keep the previous list.
func (c *Cache) Refresh(ctx context.Context, id string) error {
	lease, err := c.registry.Lease(id)
	if err != nil {
		return err
	}
	callCtx, cancel := lease.Bind(ctx, c.callTimeout)
	defer cancel()

	var (
		tools                              []Tool
		prompts                            []Prompt
		resources                          []Resource
		toolsErr, promptsErr, resourcesErr error
		g                                  errgroup.Group
	)
	g.Go(func() error {
		tools, toolsErr = lease.transport.ListTools(callCtx)
		return nil
	})
	g.Go(func() error {
		prompts, promptsErr = lease.transport.ListPrompts(callCtx)
		return nil
	})
	g.Go(func() error {
		resources, resourcesErr = lease.transport.ListResources(callCtx)
		return nil
	})
	_ = g.Wait()

	if toolsErr != nil {
		ferr := lease.Err(ErrCatalogFetchFailed, "tools/list", toolsErr)
		if !errors.Is(ferr, ErrStaleSession) {
			c.registry.Demote(context.WithoutCancel(ctx), id, lease.Generation, ferr.Error())
		}
		return ferr
	}

	c.mu.Lock()
	if !c.registry.IsCurrent(id, lease.Generation) {
		c.mu.Unlock()
		return &Error{Kind: ErrStaleSession, ServerID: id, ServerName: lease.Descriptor.Name, Capability: "tools/list"}
	}
	prev, hadPrev := c.entries[id]
	next := Catalog{Tools: tools, Prompts: prev.Prompts, Resources: prev.Resources, RefreshedAt: c.now()}
	if promptsErr == nil {
		next.Prompts = prompts
	}
	if resourcesErr == nil {
		next.Resources = resources
	}
	c.entries[id] = next.clone()
	c.mu.Unlock()

	if promptsErr != nil {
		c.logger.Warn("prompts fetch failed, keeping previous list", "server", id, "had_previous", hadPrev, "error", promptsErr)
	}
	if resourcesErr != nil {
		c.logger.Warn("resources fetch failed, keeping previous list", "server", id, "had_previous", hadPrev, "error", resourcesErr)
	}
	c.persist(ctx)
	c.logger.Debug("catalogs refreshed", "server", id, "tools", len(next.Tools), "prompts", len(next.Prompts), "resources", len(next.Resources))
	return nil
}

// Get returns a copy of id's catalog. The zero Catalog, with empty slices, is
// returned when nothing is cached.
func (c *Cache) Get(id string) Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id].clone()
}

// Tools returns id's cached tools.
func (c *Cache) Tools(id string) []Tool { return c.Get(id).Tools }

// Prompts returns id's cached prompts.
func (c *Cache) Prompts(id string) []Prompt { return c.Get(id).Prompts }

// Resources returns id's cached resources.
func (c *Cache) Resources(id string) []Resource { return c.Get(id).Resources }

// HasTool reports whether id's cached catalog lists name.
func (c *Cache) HasTool(id, name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.entries[id].Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ConnectedTools lists the cached tools of every connected server in
// registration order.
func (c *Cache) ConnectedTools() []ServerTool {
	ids := c.registry.ConnectedIDs()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ServerTool
	for _, id := range ids {
		for _, t := range c.entries[id].Tools {
			out = append(out, ServerTool{ServerID: id, Tool: cloneTools([]Tool{t})[0]})
		}
	}
	return out
}

// Evict drops all cached catalogs of id.
func (c *Cache) Evict(id string) {
	c.evict(context.Background(), id)
}

func (c *Cache) evict(ctx context.Context, id string) {
	c.mu.Lock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()
	if ok {
		c.persist(ctx)
	}
}

// Restore installs persisted catalogs. Only ids in keep are retained.
func (c *Cache) Restore(tools map[string][]Tool, prompts map[string][]Prompt, resources map[string][]Resource, keep func(id string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Catalog)
	for id, list := range tools {
		if keep(id) {
			e := c.entries[id]
			e.Tools = list
			c.entries[id] = e
		}
	}
	for id, list := range prompts {
		if keep(id) {
			e := c.entries[id]
			e.Prompts = list
			c.entries[id] = e
		}
	}
	for id, list := range resources {
		if keep(id) {
			e := c.entries[id]
			e.Resources = list
			c.entries[id] = e
		}
	}
	for id, e := range c.entries {
		c.entries[id] = e.clone()
	}
}

func (c *Cache) persist(ctx context.Context) {
	if c.snap == nil {
		return
	}
	c.snap.write(ctx, KeyToolsCache, func() any {
		c.mu.RLock()
		defer c.mu.RUnlock()
		out := make(map[string][]Tool, len(c.entries))
		for id, e := range c.entries {
			out[id] = e.Tools
		}
		return out
	})
	c.snap.write(ctx, KeyPromptsCache, func() any {
		c.mu.RLock()
		defer c.mu.RUnlock()
		out := make(map[string][]Prompt, len(c.entries))
		for id, e := range c.entries {
			out[id] = e.Prompts
		}
		return out
	})
	c.snap.write(ctx, KeyResourcesCache, func() any {
		c.mu.RLock()
		defer c.mu.RUnlock()
		out := make(map[string][]Resource, len(c.entries))
		for id, e := range c.entries {
			out[id] = e.Resources
		}
		return out
	})
}
