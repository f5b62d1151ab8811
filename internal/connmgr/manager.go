// Package connmgr owns the live MCP connections of the host. At most
// one connection exists per [Key]; concurrent callers asking for the
// same server share a single initialization.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/toolhost/internal/connwatch"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/registry"
)

// DefaultPingTimeout bounds the ping issued before a connection is
// reused.
const DefaultPingTimeout = 5 * time.Second

// State is the lifecycle position of a connection entry.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateFailed  State = "failed"
	StateClosed  State = "closed"
)

// Config configures a Manager.
type Config struct {
	// Factory builds transports. Defaults to a TransportFactory using
	// Logger.
	Factory Factory

	Logger *slog.Logger
	Events *events.Bus

	// PingOnReuse pings a ready connection before handing it out again.
	PingOnReuse bool
	// PingTimeout bounds that ping (default: DefaultPingTimeout).
	PingTimeout time.Duration

	// PollInterval is the background health-check period of every
	// ready connection. Zero disables background polling.
	PollInterval time.Duration
}

type entry struct {
	key  Key
	desc registry.Descriptor

	// done is closed once init settles. client and err are written
	// before that and never again.
	done   chan struct{}
	client *mcp.Client
	err    error

	// state, since and watcher are guarded by Manager.mu.
	state   State
	since   time.Time
	watcher *connwatch.Watcher
}

// Manager maps connection keys to live clients.
type Manager struct {
	factory     Factory
	logger      *slog.Logger
	events      *events.Bus
	pingOnReuse bool
	pingTimeout time.Duration
	poll        time.Duration
	watch       *connwatch.Manager

	mu      sync.Mutex
	entries map[Key]*entry
}

// New creates a Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := cfg.Factory
	if factory == nil {
		factory = &TransportFactory{Logger: logger}
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = DefaultPingTimeout
	}
	return &Manager{
		factory:     factory,
		logger:      logger,
		events:      cfg.Events,
		pingOnReuse: cfg.PingOnReuse,
		pingTimeout: pingTimeout,
		poll:        cfg.PollInterval,
		watch:       connwatch.NewManager(logger),
		entries:     make(map[Key]*entry),
	}
}

// Get returns a ready client for d, connecting if needed. Concurrent
// calls for the same key wait on one initialization; ctx only bounds
// this caller's wait, never the shared init.
func (m *Manager) Get(ctx context.Context, d registry.Descriptor) (*mcp.Client, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	key := KeyOf(d)

	// The second pass only happens after a stale entry was evicted, and
	// the entry it creates is fresh, so two passes always suffice.
	for range 2 {
		m.mu.Lock()
		e, ok := m.entries[key]
		reused := ok && e.state == StateReady
		if !ok {
			e = &entry{
				key:   key,
				desc:  d.Clone(),
				done:  make(chan struct{}),
				state: StatePending,
				since: time.Now(),
			}
			m.entries[key] = e
			go m.initialize(context.WithoutCancel(ctx), e)
		}
		m.mu.Unlock()

		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		if !reused {
			return e.client, nil
		}

		err := m.checkReuse(ctx, e)
		if err == nil {
			return e.client, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Info("evicting stale MCP connection",
			"mcp_server", d.Name, "key", key.Short(), "error", err)
		m.evict(e, err)
	}
	return nil, fmt.Errorf("connmgr: %s: connection lost during reconnect", d.Name)
}

// checkReuse decides whether a ready entry may be handed out again.
func (m *Manager) checkReuse(ctx context.Context, e *entry) error {
	select {
	case <-e.client.Done():
		return mcp.ErrConnectionClosed
	default:
	}
	if !m.pingOnReuse {
		return nil
	}
	return m.ping(ctx, e)
}

// ping probes a client. A JSON-RPC error means the server answered, so
// it counts as alive.
func (m *Manager) ping(ctx context.Context, e *entry) error {
	ctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()
	err := e.client.Ping(ctx)
	if err != nil && mcp.IsProtocolError(err) {
		return nil
	}
	return err
}

// initialize runs the pending → ready|failed transition. ctx carries
// the caller's values but not its cancellation.
func (m *Manager) initialize(ctx context.Context, e *entry) {
	d := e.desc
	ctx, cancel := context.WithTimeout(ctx, d.Timeout())
	defer cancel()

	start := time.Now()
	logger := m.logger.With("mcp_server", d.Name, "transport", string(d.Kind), "key", e.key.Short())
	logger.Debug("connecting to MCP server")
	m.events.Emit(events.SourceConnections, events.KindConnecting, map[string]any{
		"server":    d.Name,
		"key":       string(e.key),
		"transport": string(d.Kind),
	})

	client, err := m.connect(ctx, d)
	e.client, e.err = client, err

	m.mu.Lock()
	if err != nil {
		e.state = StateFailed
		if m.entries[e.key] == e {
			delete(m.entries, e.key)
		}
	} else {
		e.state = StateReady
		e.since = time.Now()
	}
	m.mu.Unlock()

	if err != nil {
		logger.Warn("MCP connection failed", "error", err)
		m.events.Emit(events.SourceConnections, events.KindConnectFailed, map[string]any{
			"server":    d.Name,
			"key":       string(e.key),
			"transport": string(d.Kind),
			"error":     err.Error(),
		})
		close(e.done)
		return
	}

	// Watchers are registered before done closes so that a Stop waiting
	// on done always finds them.
	m.startWatching(e)
	close(e.done)

	info := client.ServerInfo()
	logger.Info("MCP connection ready",
		"server_name", info.Name,
		"server_version", info.Version,
		"elapsed", time.Since(start).Round(time.Millisecond))
	m.events.Emit(events.SourceConnections, events.KindConnected, map[string]any{
		"server":     d.Name,
		"key":        string(e.key),
		"transport":  string(d.Kind),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
}

func (m *Manager) connect(ctx context.Context, d registry.Descriptor) (*mcp.Client, error) {
	t, err := m.factory.Transport(d)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidDescriptor) || mcp.IsPermanent(err) {
			return nil, err
		}
		return nil, &mcp.TransportInitError{Transport: string(d.Kind), Err: err}
	}

	client := mcp.NewClient(d.Name, t, m.logger, mcp.WithCallTimeout(d.Timeout()))
	if err := client.Connect(ctx); err != nil {
		// Connect closes on handshake failure but a failed Start can
		// leave resources behind. Close is idempotent.
		_ = t.Close()
		return nil, err
	}
	return client, nil
}

func (m *Manager) startWatching(e *entry) {
	// Closing the client also closes Done, after which evict
	// finds the entry already gone.
	go func() {
		<-e.client.Done()
		m.evict(e, mcp.ErrConnectionClosed)
	}()

	if m.poll <= 0 {
		return
	}
	w := m.watch.Watch(context.Background(), connwatch.WatcherConfig{
		Name:         string(e.key),
		Interval:     m.poll,
		ProbeTimeout: m.pingTimeout,
		Probe: func(ctx context.Context) error {
			return m.ping(ctx, e)
		},
		OnDown: func(err error) {
			m.evict(e, err)
		},
		Logger: m.logger.With("mcp_server", e.desc.Name),
	})

	// The watcher is keyed by connection key, which a later entry can
	// reuse; each entry releases only its own.
	m.mu.Lock()
	live := m.entries[e.key] == e && e.state == StateReady
	if live {
		e.watcher = w
	}
	m.mu.Unlock()
	if !live {
		m.watch.Release(w)
	}
}

// evict drops a ready entry after a health failure. It is a no-op when
// the entry was already replaced or removed.
func (m *Manager) evict(e *entry, reason error) {
	if !m.detach(e) {
		return
	}
	m.logger.Warn("MCP connection evicted", "mcp_server", e.desc.Name, "key", e.key.Short(), "error", reason)
	data := map[string]any{
		"server": e.desc.Name,
		"key":    string(e.key),
	}
	if reason != nil {
		data["error"] = reason.Error()
	}
	m.events.Emit(events.SourceConnections, events.KindEvicted, data)
}

// detach moves e to closed, forgets it and shuts its client down.
// Reports whether this call did the detaching.
func (m *Manager) detach(e *entry) bool {
	m.mu.Lock()
	if m.entries[e.key] != e || e.state != StateReady {
		m.mu.Unlock()
		return false
	}
	e.state = StateClosed
	delete(m.entries, e.key)
	w := e.watcher
	e.watcher = nil
	m.mu.Unlock()

	m.watch.Release(w)
	if err := e.client.Close(); err != nil {
		m.logger.Debug("MCP client close", "mcp_server", e.desc.Name, "error", err)
	}
	return true
}

// Stop disconnects d's connection if one exists. A pending init is
// allowed to settle first.
func (m *Manager) Stop(ctx context.Context, d registry.Descriptor) error {
	key := KeyOf(d)

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.disconnect(e)
	return nil
}

func (m *Manager) disconnect(e *entry) {
	if !m.detach(e) {
		return
	}
	m.logger.Info("MCP connection closed", "mcp_server", e.desc.Name, "key", e.key.Short())
	m.events.Emit(events.SourceConnections, events.KindDisconnected, map[string]any{
		"server": e.desc.Name,
		"key":    string(e.key),
	})
}

// CheckHealth pings d's ready connection. A failed ping evicts it.
// Reports false when there is no ready connection.
func (m *Manager) CheckHealth(ctx context.Context, d registry.Descriptor) bool {
	m.mu.Lock()
	e, ok := m.entries[KeyOf(d)]
	ready := ok && e.state == StateReady
	m.mu.Unlock()
	if !ready {
		return false
	}

	if err := m.ping(ctx, e); err != nil {
		m.evict(e, err)
		return false
	}
	return true
}

// Connection describes one entry for status reporting.
type Connection struct {
	Key       string    `json:"key"`
	ServerID  string    `json:"serverId"`
	Server    string    `json:"server"`
	Transport string    `json:"transport"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	Healthy   *bool     `json:"healthy,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Summary aggregates the connection table.
type Summary struct {
	Active      int          `json:"activeConnections"`
	Pending     int          `json:"pendingConnections"`
	Connections []Connection `json:"connections"`
}

// Snapshot lists every entry, ordered by server name.
func (m *Manager) Snapshot() []Connection {
	health := m.watch.Status()

	m.mu.Lock()
	out := make([]Connection, 0, len(m.entries))
	for key, e := range m.entries {
		c := Connection{
			Key:       string(key),
			ServerID:  e.desc.ID,
			Server:    e.desc.Name,
			Transport: string(e.desc.Kind),
			State:     e.state,
			Since:     e.since,
		}
		if st, ok := health[string(key)]; ok {
			healthy := st.Healthy
			c.Healthy = &healthy
			c.LastError = st.LastError
		}
		out = append(out, c)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Status summarizes the connection table.
func (m *Manager) Status() Summary {
	conns := m.Snapshot()
	s := Summary{Connections: conns}
	for _, c := range conns {
		switch c.State {
		case StateReady:
			s.Active++
		case StatePending:
			s.Pending++
		}
	}
	return s
}

// CloseAll disconnects every connection, waiting for pending inits to
// settle, and stops health polling.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	m.mu.Unlock()

	for _, e := range all {
		<-e.done
		m.disconnect(e)
	}
	m.watch.Stop()
}
