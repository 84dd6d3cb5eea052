package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Phase is the lifecycle position of a server's connection.
type Phase string

const (
	PhaseUnconnected   Phase = "unconnected"
	PhaseConnecting    Phase = "connecting"
	PhaseConnected     Phase = "connected"
	PhaseDisconnecting Phase = "disconnecting"
	PhaseFailed        Phase = "failed"
)

// RestorationFailed is recorded as LastError for servers that could not be
// revalidated after a restart.
const RestorationFailed = "session restoration failed"

// ConnectionState is the registry's view of one server's connection.
type ConnectionState struct {
	ServerID        string     `json:"serverId"`
	Connected       bool       `json:"connected"`
	Phase           Phase      `json:"phase,omitempty"`
	LastConnectedAt *time.Time `json:"lastConnected,omitempty"`
	LastError       string     `json:"error,omitempty"`
	SessionID       string     `json:"sessionId,omitempty"`
}

func (s ConnectionState) clone() ConnectionState {
	if s.LastConnectedAt != nil {
		at := *s.LastConnectedAt
		s.LastConnectedAt = &at
	}
	return s
}

// ServerSummary pairs a descriptor with its connection state.
type ServerSummary struct {
	Descriptor ServerDescriptor `json:"descriptor"`
	State      ConnectionState  `json:"state"`
}

type registryEntry struct {
	desc  ServerDescriptor
	state ConnectionState
	// lock is the per-server lifecycle semaphore. Connect, Disconnect,
	// Reattach, Demote, Update and Remove hold it for their duration.
	lock    chan struct{}
	conn    *liveConn
	removed bool
}

type liveConn struct {
	transport  Transport
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
}

// Registry owns the server list, the live transports, and the connection
// states. At most one transport is installed per server id.
type Registry struct {
	factory          TransportFactory
	logger           *slog.Logger
	now              func() time.Time
	handshakeTimeout time.Duration
	snap             *snapshotter

	mu         sync.RWMutex
	entries    map[string]*registryEntry
	order      []string
	generation uint64

	hooksMu          sync.RWMutex
	disconnectHooks  []func(serverID string)
	listChangedHooks []func(serverID string, kind CatalogKind)
}

// NewRegistry creates an empty registry. Nothing is persisted; Manager wires
// persistence in.
func NewRegistry(opts *ManagerOptions) *Registry {
	o := opts.normalized()
	return &Registry{
		factory:          o.Factory,
		logger:           o.Logger,
		now:              o.Now,
		handshakeTimeout: o.HandshakeTimeout,
		entries:          make(map[string]*registryEntry),
	}
}

// OnDisconnect registers fn to run after a server loses its transport, either
// by Disconnect, Demote, replacement, or removal.
func (r *Registry) OnDisconnect(fn func(serverID string)) {
	if fn == nil {
		return
	}
	r.hooksMu.Lock()
	r.disconnectHooks = append(r.disconnectHooks, fn)
	r.hooksMu.Unlock()
}

// OnListChanged registers fn to run when a connected server announces that
// one of its catalogs changed. fn runs on its own goroutine.
func (r *Registry) OnListChanged(fn func(serverID string, kind CatalogKind)) {
	if fn == nil {
		return
	}
	r.hooksMu.Lock()
	r.listChangedHooks = append(r.listChangedHooks, fn)
	r.hooksMu.Unlock()
}

func (r *Registry) runDisconnectHooks(id string) {
	r.hooksMu.RLock()
	hooks := append([]func(string){}, r.disconnectHooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

func (r *Registry) notifyListChanged(id string, generation uint64, kind CatalogKind) {
	if !r.IsCurrent(id, generation) {
		return
	}
	r.hooksMu.RLock()
	hooks := append([]func(string, CatalogKind){}, r.listChangedHooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		go fn(id, kind)
	}
}

// Register adds a descriptor. An empty ID is replaced by a fresh UUID.
func (r *Registry) Register(ctx context.Context, desc ServerDescriptor) (ServerDescriptor, error) {
	if desc.Transport == nil {
		return ServerDescriptor{}, &Error{Kind: ErrInvalidConfiguration, ServerID: desc.ID, ServerName: desc.Name, Err: errors.New("transport parameters missing")}
	}
	desc = desc.Clone()
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	r.mu.Lock()
	if _, exists := r.entries[desc.ID]; exists {
		r.mu.Unlock()
		return ServerDescriptor{}, &Error{Kind: ErrInvalidConfiguration, ServerID: desc.ID, ServerName: desc.Name, Err: errors.New("server id already registered")}
	}
	r.entries[desc.ID] = newRegistryEntry(desc)
	r.order = append(r.order, desc.ID)
	r.mu.Unlock()
	r.persist(ctx)
	return desc.Clone(), nil
}

// Update replaces the descriptor of a registered server. Connected servers
// must be disconnected first.
func (r *Registry) Update(ctx context.Context, desc ServerDescriptor) error {
	if desc.Transport == nil {
		return &Error{Kind: ErrInvalidConfiguration, ServerID: desc.ID, ServerName: desc.Name, Err: errors.New("transport parameters missing")}
	}
	e, unlock, err := r.lockEntry(ctx, desc.ID, nil)
	if err != nil {
		return err
	}
	defer unlock()
	r.mu.Lock()
	if e.conn != nil || e.state.Connected {
		r.mu.Unlock()
		return &Error{Kind: ErrServerConnected, ServerID: desc.ID, ServerName: e.desc.Name}
	}
	e.desc = desc.Clone()
	r.mu.Unlock()
	r.persist(ctx)
	return nil
}

// Remove disconnects the server if needed and forgets it. Removing an unknown
// id is a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	e, unlock, err := r.lockEntry(ctx, id, nil)
	if errors.Is(err, ErrUnknownServer) {
		return nil
	}
	if err != nil {
		return err
	}
	r.disconnectLocked(ctx, e)
	r.mu.Lock()
	e.removed = true
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	unlock()
	r.runDisconnectHooks(id)
	r.persist(ctx)
	r.logger.Info("server removed", "server", id)
	return nil
}

// Descriptor returns a copy of the registered descriptor.
func (r *Registry) Descriptor(id string) (ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return ServerDescriptor{}, false
	}
	return e.desc.Clone(), true
}

// Servers lists every registered server in registration order.
func (r *Registry) Servers() []ServerSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerSummary, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		out = append(out, ServerSummary{Descriptor: e.desc.Clone(), State: e.state.clone()})
	}
	return out
}

// ConnectedIDs lists servers whose state is connected, in registration order.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.entries[id].state.Connected {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsConnected reports whether id is in the connected state.
func (r *Registry) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.state.Connected
}

// Status returns a copy of id's connection state.
func (r *Registry) Status(id string) (ConnectionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return ConnectionState{}, false
	}
	return e.state.clone(), true
}

// Connect establishes a session for desc, registering it when the id is new.
// Any existing transport for the id is closed first. On failure no transport
// is installed and the state records the error.
func (r *Registry) Connect(ctx context.Context, desc ServerDescriptor) error {
	if desc.ID == "" {
		return &Error{Kind: ErrInvalidConfiguration, ServerName: desc.Name, Err: errors.New("server id is required")}
	}
	if desc.Transport == nil {
		return &Error{Kind: ErrInvalidConfiguration, ServerID: desc.ID, ServerName: desc.Name, Err: errors.New("transport parameters missing")}
	}
	desc = desc.Clone()
	e, unlock, err := r.lockEntry(ctx, desc.ID, &desc)
	if err != nil {
		return err
	}
	defer unlock()

	if r.disconnectLocked(ctx, e) {
		r.runDisconnectHooks(desc.ID)
	}
	r.mu.Lock()
	e.desc = desc
	e.state.ServerID = desc.ID
	e.state.Phase = PhaseConnecting
	e.state.LastError = ""
	r.mu.Unlock()

	conn, sessionID, err := r.dial(ctx, desc)
	if err != nil {
		r.mu.Lock()
		e.state.Connected = false
		e.state.Phase = PhaseFailed
		e.state.LastError = err.Error()
		r.mu.Unlock()
		r.persist(ctx)
		r.logger.Warn("server connect failed", "server", desc.ID, "error", err)
		return err
	}
	now := r.now()
	r.mu.Lock()
	e.conn = conn
	e.state = ConnectionState{
		ServerID:        desc.ID,
		Connected:       true,
		Phase:           PhaseConnected,
		LastConnectedAt: &now,
		SessionID:       sessionID,
	}
	r.mu.Unlock()
	r.persist(ctx)
	r.logger.Info("server connected", "server", desc.ID, "name", desc.Name, "transport", string(desc.Kind()))
	return nil
}

// Reattach re-opens a session for a server that persisted state believes is
// connected but that has no live transport, as after a restart. It never
// spawns processes: a process session cannot survive a restart, so process
// servers fail with ErrStaleSession. LastConnectedAt is left unchanged. On
// failure the state is left for the caller to demote.
func (r *Registry) Reattach(ctx context.Context, id string) error {
	e, unlock, err := r.lockEntry(ctx, id, nil)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.RLock()
	desc := e.desc.Clone()
	hasConn := e.conn != nil
	believed := e.state.Connected
	r.mu.RUnlock()
	if hasConn {
		return nil
	}
	if !believed {
		return notConnected(desc)
	}
	if desc.Kind() == TransportProcess {
		return &Error{Kind: ErrStaleSession, ServerID: id, ServerName: desc.Name, Err: errors.New("process sessions do not survive a restart")}
	}
	conn, sessionID, err := r.dial(ctx, desc)
	if err != nil {
		return err
	}
	r.mu.Lock()
	e.conn = conn
	e.state.Phase = PhaseConnected
	e.state.LastError = ""
	e.state.SessionID = sessionID
	r.mu.Unlock()
	r.persist(ctx)
	r.logger.Info("server session restored", "server", id)
	return nil
}

func (r *Registry) dial(ctx context.Context, desc ServerDescriptor) (*liveConn, string, error) {
	transport, err := r.factory.Build(desc)
	if err != nil {
		return nil, "", withServer(err, desc.ID, desc.Name)
	}
	gen := r.nextGeneration()
	if n, ok := transport.(ListChangeNotifier); ok {
		n.OnListChanged(func(kind CatalogKind) { r.notifyListChanged(desc.ID, gen, kind) })
	}
	hctx, cancel := context.WithTimeout(ctx, r.handshakeTimeout)
	err = transport.Handshake(hctx)
	cancel()
	if err != nil {
		if closeErr := transport.Close(); closeErr != nil {
			r.logger.Debug("close after failed handshake", "server", desc.ID, "error", closeErr)
		}
		return nil, "", remoteError(ErrHandshakeFailed, desc, "", err)
	}
	sessionID := ""
	if s, ok := transport.(SessionIdentifier); ok {
		sessionID = s.SessionID()
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	return &liveConn{transport: transport, generation: gen, ctx: connCtx, cancel: connCancel}, sessionID, nil
}

func (r *Registry) nextGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	return r.generation
}

// Disconnect closes id's transport. Close errors are logged; the state always
// ends not-connected. Disconnecting an unknown or already disconnected server
// is a no-op.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	e, unlock, err := r.lockEntry(ctx, id, nil)
	if errors.Is(err, ErrUnknownServer) {
		return nil
	}
	if err != nil {
		return err
	}
	changed := r.disconnectLocked(ctx, e)
	unlock()
	if changed {
		r.runDisconnectHooks(id)
		r.persist(ctx)
		r.logger.Info("server disconnected", "server", id)
	}
	return nil
}

// Demote marks id not-connected after a failure detected outside the
// lifecycle (a failed catalog fetch, a failed rehydration). A nonzero
// generation demotes only while that transport is still installed; zero
// demotes only when no transport is installed. This keeps a late failure
// from tearing down a newer session.
func (r *Registry) Demote(ctx context.Context, id string, generation uint64, reason string) bool {
	e, unlock, err := r.lockEntry(ctx, id, nil)
	if err != nil {
		return false
	}
	r.mu.RLock()
	current := (e.conn == nil && generation == 0) || (e.conn != nil && e.conn.generation == generation)
	r.mu.RUnlock()
	if !current {
		unlock()
		return false
	}
	r.disconnectLocked(ctx, e)
	r.mu.Lock()
	e.state.Phase = PhaseFailed
	e.state.LastError = reason
	r.mu.Unlock()
	unlock()
	r.runDisconnectHooks(id)
	r.persist(ctx)
	r.logger.Warn("server demoted", "server", id, "reason", reason)
	return true
}

// DisconnectAll disconnects every server concurrently and joins the errors.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.RLock()
	ids := append([]string{}, r.order...)
	r.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		g.Go(func() error {
			if err := r.Disconnect(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("disconnect %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// IsCurrent reports whether generation is the transport installed for id.
func (r *Registry) IsCurrent(id string, generation uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.conn != nil && e.conn.generation == generation
}

// Restore replaces the registry contents with persisted state. It is meant
// to run once at startup, before any Connect. Entries whose state says
// connected are believed-connected with no transport until Reattach.
func (r *Registry) Restore(descs []ServerDescriptor, states map[string]ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*registryEntry, len(descs))
	r.order = r.order[:0]
	for _, desc := range descs {
		if desc.ID == "" {
			continue
		}
		if _, dup := r.entries[desc.ID]; dup {
			continue
		}
		e := newRegistryEntry(desc.Clone())
		if st, ok := states[desc.ID]; ok {
			e.state = st.clone()
			e.state.ServerID = desc.ID
			if e.state.Phase == "" || e.state.Phase == PhaseConnecting || e.state.Phase == PhaseDisconnecting {
				if e.state.Connected {
					e.state.Phase = PhaseConnected
				} else {
					e.state.Phase = PhaseUnconnected
				}
			}
		}
		r.entries[desc.ID] = e
		r.order = append(r.order, desc.ID)
	}
}

// Lease pins id's current transport for one call.
func (r *Registry) Lease(id string) (*Lease, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, unknownServer(id)
	}
	if e.conn == nil {
		return nil, notConnected(e.desc)
	}
	return &Lease{
		ServerID:   id,
		Descriptor: e.desc.Clone(),
		Generation: e.conn.generation,
		transport:  e.conn.transport,
		done:       e.conn.ctx,
	}, nil
}

// disconnectLocked tears down e's transport. The caller holds e.lock and is
// responsible for running the disconnect hooks. It reports whether anything
// changed.
func (r *Registry) disconnectLocked(ctx context.Context, e *registryEntry) bool {
	r.mu.Lock()
	conn := e.conn
	if conn == nil && !e.state.Connected {
		r.mu.Unlock()
		return false
	}
	id := e.desc.ID
	e.conn = nil
	e.state.Connected = false
	e.state.Phase = PhaseDisconnecting
	r.mu.Unlock()

	if conn != nil {
		conn.cancel()
		r.closeTransport(ctx, id, conn.transport)
	}

	r.mu.Lock()
	e.state.Phase = PhaseUnconnected
	e.state.SessionID = ""
	r.mu.Unlock()
	return true
}

// closeTransport closes t, giving up waiting once ctx is done. The close
// continues in the background in that case.
func (r *Registry) closeTransport(ctx context.Context, id string, t Transport) {
	done := make(chan error, 1)
	go func() { done <- t.Close() }()
	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn("error closing server transport", "server", id, "error", err)
		}
	case <-ctx.Done():
		r.logger.Warn("gave up waiting for server transport to close", "server", id, "error", ctx.Err())
	}
}

// lockEntry acquires id's lifecycle lock. When create is non-nil a missing
// entry is registered from it.
func (r *Registry) lockEntry(ctx context.Context, id string, create *ServerDescriptor) (*registryEntry, func(), error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		if !ok {
			if create == nil {
				r.mu.Unlock()
				return nil, nil, unknownServer(id)
			}
			e = newRegistryEntry(create.Clone())
			r.entries[id] = e
			r.order = append(r.order, id)
		}
		r.mu.Unlock()

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		r.mu.RLock()
		removed := e.removed
		r.mu.RUnlock()
		if removed {
			<-e.lock
			continue
		}
		return e, func() { <-e.lock }, nil
	}
}

func newRegistryEntry(desc ServerDescriptor) *registryEntry {
	return &registryEntry{
		desc:  desc,
		state: ConnectionState{ServerID: desc.ID, Phase: PhaseUnconnected},
		lock:  make(chan struct{}, 1),
	}
}

func (r *Registry) persist(ctx context.Context) {
	if r.snap == nil {
		return
	}
	r.snap.write(ctx, KeyServers, func() any {
		r.mu.RLock()
		defer r.mu.RUnlock()
		specs := make([]DescriptorSpec, 0, len(r.order))
		for _, id := range r.order {
			specs = append(specs, r.entries[id].desc.Spec())
		}
		return specs
	})
	r.snap.write(ctx, KeyConnections, func() any {
		r.mu.RLock()
		defer r.mu.RUnlock()
		states := make(map[string]ConnectionState, len(r.order))
		for _, id := range r.order {
			states[id] = r.entries[id].state.clone()
		}
		return states
	})
}

// Lease is a handle on one installed transport. Calls made through a lease
// are cancelled when that transport is disconnected.
type Lease struct {
	ServerID   string
	Descriptor ServerDescriptor
	Generation uint64

	transport Transport
	done      context.Context
}

// Transport returns the leased transport.
func (l *Lease) Transport() Transport { return l.transport }

// Bind derives a context that ends when parent ends, when the transport is
// disconnected, or after timeout.
func (l *Lease) Bind(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(l.done, cancel)
	var cancelTimeout context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {
		stop()
		cancelTimeout()
		cancel()
	}
}

// Err classifies a failed call made through the lease. A call cut short by a
// disconnect reports ErrStaleSession.
func (l *Lease) Err(fallback error, capability string, err error) error {
	if l.done.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrStaleSession, ServerID: l.ServerID, ServerName: l.Descriptor.Name, Capability: capability, Err: err}
	}
	return remoteError(fallback, l.Descriptor, capability, err)
}
