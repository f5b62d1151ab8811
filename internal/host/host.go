// Package host is the single entry point applications use to manage MCP
// servers and call their tools. It ties the server registry, the
// connection manager and the tool invoker together.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/toolhost/internal/builtin"
	"github.com/nugget/toolhost/internal/connmgr"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/invoker"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/registry"
)

// discoveryConcurrency bounds how many servers are listed at once.
const discoveryConcurrency = 8

// Config wires a Host.
type Config struct {
	Registry    *registry.Registry
	Connections *connmgr.Manager
	Invoker     *invoker.Invoker
	Logger      *slog.Logger
	Events      *events.Bus
}

// Host manages MCP servers and their tools.
type Host struct {
	reg    *registry.Registry
	conns  *connmgr.Manager
	inv    *invoker.Invoker
	logger *slog.Logger
	events *events.Bus

	// toggleMu serializes activation changes so a bulk stop and a
	// concurrent toggle cannot interleave their registry writes.
	toggleMu sync.Mutex
}

// New creates a Host. A missing invoker is built on top of the
// connection manager with default retry settings.
func New(cfg Config) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inv := cfg.Invoker
	if inv == nil {
		inv = invoker.New(invoker.Config{
			Connector: invoker.FromManager(cfg.Connections),
			Logger:    logger,
			Events:    cfg.Events,
		})
	}
	return &Host{
		reg:    cfg.Registry,
		conns:  cfg.Connections,
		inv:    inv,
		logger: logger.With("component", "host"),
		events: cfg.Events,
	}
}

func (h *Host) changed(id, action string) {
	h.events.Emit(events.SourceRegistry, events.KindServerChanged, map[string]any{
		"server_id": id,
		"action":    action,
	})
}

// ListServers returns every registered server.
func (h *Host) ListServers() []registry.Descriptor {
	return h.reg.List()
}

// GetServer returns one registered server.
func (h *Host) GetServer(id string) (registry.Descriptor, error) {
	return h.reg.Get(id)
}

// AddServer registers a new server. It does not connect.
func (h *Host) AddServer(d registry.Descriptor) (registry.Descriptor, error) {
	added, err := h.reg.Add(d)
	if err != nil {
		return registry.Descriptor{}, err
	}
	h.logger.Info("server added", "server_id", added.ID, "mcp_server", added.Name, "transport", string(added.Kind))
	h.changed(added.ID, "added")
	return added, nil
}

// UpdateServer replaces a server's descriptor. Any live connection of
// the previous version is closed; the next use reconnects with the new
// settings.
func (h *Host) UpdateServer(ctx context.Context, d registry.Descriptor) (registry.Descriptor, error) {
	prev, err := h.reg.Update(d)
	if err != nil {
		return registry.Descriptor{}, err
	}
	if err := h.conns.Stop(ctx, prev); err != nil {
		h.logger.Warn("failed to close previous connection", "server_id", prev.ID, "error", err)
	}
	h.changed(d.ID, "updated")
	return h.reg.Get(d.ID)
}

// RemoveServer unregisters a server and closes its connection.
func (h *Host) RemoveServer(ctx context.Context, id string) error {
	d, err := h.reg.Remove(id)
	if err != nil {
		return err
	}
	if err := h.conns.Stop(ctx, d); err != nil {
		h.logger.Warn("failed to close connection of removed server", "server_id", id, "error", err)
	}
	h.logger.Info("server removed", "server_id", id, "mcp_server", d.Name)
	h.changed(id, "removed")
	return nil
}

// ToggleServer activates or deactivates a server. Activation connects
// immediately; if that fails the active flag is rolled back and the
// connection error returned.
func (h *Host) ToggleServer(ctx context.Context, id string, active bool) (registry.Descriptor, error) {
	h.toggleMu.Lock()
	defer h.toggleMu.Unlock()
	return h.toggle(ctx, id, active)
}

func (h *Host) toggle(ctx context.Context, id string, active bool) (registry.Descriptor, error) {
	prev, err := h.reg.Get(id)
	if err != nil {
		return registry.Descriptor{}, err
	}
	d, err := h.reg.SetActive(id, active)
	if err != nil {
		return registry.Descriptor{}, err
	}

	if !active {
		if err := h.conns.Stop(ctx, d); err != nil {
			h.logger.Warn("failed to close connection", "server_id", id, "error", err)
		}
		h.logger.Info("server deactivated", "server_id", id, "mcp_server", d.Name)
		h.changed(id, "deactivated")
		return d, nil
	}

	if _, err := h.conns.Get(ctx, d); err != nil {
		if _, rbErr := h.reg.SetActive(id, prev.IsActive); rbErr != nil {
			h.logger.Error("failed to roll back active flag", "server_id", id, "error", rbErr)
		}
		return prev, fmt.Errorf("activate %s: %w", d.Name, err)
	}
	h.logger.Info("server activated", "server_id", id, "mcp_server", d.Name)
	h.changed(id, "activated")
	return d, nil
}

// RestartServer closes a server's connection and, if the server is
// active, connects again.
func (h *Host) RestartServer(ctx context.Context, id string) error {
	d, err := h.reg.Get(id)
	if err != nil {
		return err
	}
	if err := h.conns.Stop(ctx, d); err != nil {
		return err
	}
	if !d.IsActive {
		return nil
	}
	if _, err := h.conns.Get(ctx, d); err != nil {
		return fmt.Errorf("restart %s: %w", d.Name, err)
	}
	h.logger.Info("server restarted", "server_id", id, "mcp_server", d.Name)
	return nil
}

// StopServer closes a server's connection without deactivating it.
func (h *Host) StopServer(ctx context.Context, id string) error {
	d, err := h.reg.Get(id)
	if err != nil {
		return err
	}
	return h.conns.Stop(ctx, d)
}

// StopAllActiveServers remembers the current active set and then
// deactivates every server in it. The ids are returned.
func (h *Host) StopAllActiveServers(ctx context.Context) ([]string, error) {
	h.toggleMu.Lock()
	defer h.toggleMu.Unlock()

	active := h.reg.Active()
	ids := make([]string, 0, len(active))
	for _, d := range active {
		ids = append(ids, d.ID)
	}
	if len(ids) == 0 {
		return ids, nil
	}
	if err := h.reg.SetSavedActive(ids); err != nil {
		return nil, fmt.Errorf("save active set: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if _, err := h.toggle(ctx, id, false); err != nil {
			errs = append(errs, err)
		}
	}
	h.logger.Info("stopped all active servers", "count", len(ids))
	return ids, errors.Join(errs...)
}

// RestoreSavedActiveServers reactivates the set remembered by the last
// StopAllActiveServers and forgets it. Servers that fail to connect
// stay inactive and are reported in the error.
func (h *Host) RestoreSavedActiveServers(ctx context.Context) ([]string, error) {
	h.toggleMu.Lock()
	defer h.toggleMu.Unlock()

	saved := h.reg.SavedActive()
	restored := make([]string, 0, len(saved))
	var errs []error
	for _, id := range saved {
		if _, err := h.toggle(ctx, id, true); err != nil {
			errs = append(errs, err)
			continue
		}
		restored = append(restored, id)
	}
	if err := h.reg.SetSavedActive(nil); err != nil {
		errs = append(errs, fmt.Errorf("clear saved active set: %w", err))
	}
	if len(saved) > 0 {
		h.logger.Info("restored saved active servers", "restored", len(restored), "saved", len(saved))
	}
	return restored, errors.Join(errs...)
}

// ConnectionStatus summarizes the live connections.
func (h *Host) ConnectionStatus() connmgr.Summary {
	return h.conns.Status()
}

// CheckConnectionHealth pings a server's connection. A failed ping
// evicts it. Reports false when the server has no live connection.
func (h *Host) CheckConnectionHealth(ctx context.Context, id string) (bool, error) {
	d, err := h.reg.Get(id)
	if err != nil {
		return false, err
	}
	return h.conns.CheckHealth(ctx, d), nil
}

// ActiveServerNames returns the names of active servers.
func (h *Host) ActiveServerNames() []string {
	active := h.reg.Active()
	names := make([]string, 0, len(active))
	for _, d := range active {
		names = append(names, d.Name)
	}
	return names
}

// HasActiveServer reports whether any server is active.
func (h *Host) HasActiveServer() bool {
	return len(h.reg.Active()) > 0
}

// TestConnection connects to d and lists its tools. The connection is
// torn down afterwards unless d is a registered active server. d does
// not have to be registered.
func (h *Host) TestConnection(ctx context.Context, d registry.Descriptor) ([]mcp.ToolDefinition, error) {
	d = d.Clone()
	if d.ID == "" {
		d.ID = "test-" + uuid.NewString()
	}
	if err := d.Normalize(); err != nil {
		return nil, err
	}

	keep := false
	if reg, err := h.reg.Get(d.ID); err == nil && reg.IsActive && connmgr.KeyOf(reg) == connmgr.KeyOf(d) {
		keep = true
	}

	c, err := h.conns.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	tools, err := c.ListTools(ctx)
	if !keep || err != nil {
		if stopErr := h.conns.Stop(ctx, d); stopErr != nil {
			h.logger.Warn("failed to close test connection", "mcp_server", d.Name, "error", stopErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return tools, nil
}

// ListPrompts returns a server's prompts. Servers without prompt
// support yield an empty list.
func (h *Host) ListPrompts(ctx context.Context, id string) ([]mcp.Prompt, error) {
	c, err := h.client(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.ListPrompts(ctx)
}

// ListResources returns a server's resources. Servers without resource
// support yield an empty list.
func (h *Host) ListResources(ctx context.Context, id string) ([]mcp.Resource, error) {
	c, err := h.client(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.ListResources(ctx)
}

func (h *Host) client(ctx context.Context, id string) (*mcp.Client, error) {
	d, err := h.reg.Get(id)
	if err != nil {
		return nil, err
	}
	return h.conns.Get(ctx, d)
}

// GetAllAvailableTools lists the tools of every active server, in
// parallel, with sanitized names assigned. A server that cannot be
// reached is logged and left out.
func (h *Host) GetAllAvailableTools(ctx context.Context) []invoker.ToolDescriptor {
	active := h.reg.Active()
	perServer := make([][]invoker.ToolDescriptor, len(active))

	var g errgroup.Group
	g.SetLimit(discoveryConcurrency)
	for i, d := range active {
		g.Go(func() error {
			c, err := h.conns.Get(ctx, d)
			if err != nil {
				h.logger.Warn("skipping unreachable server", "mcp_server", d.Name, "error", err)
				return nil
			}
			defs, err := c.ListTools(ctx)
			if err != nil {
				h.logger.Warn("skipping server, tool listing failed", "mcp_server", d.Name, "error", err)
				return nil
			}
			tools := make([]invoker.ToolDescriptor, 0, len(defs))
			for _, def := range defs {
				tools = append(tools, invoker.ToolDescriptor{
					ServerID:    d.ID,
					ServerName:  d.Name,
					Name:        def.Name,
					Description: def.Description,
					InputSchema: def.InputSchema,
				})
			}
			perServer[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	var all []invoker.ToolDescriptor
	for _, tools := range perServer {
		all = append(all, tools...)
	}
	return invoker.AssignNames(all)
}

// CallTool invokes a tool on a registered server. Failures, including
// an unknown server, come back as an error result.
func (h *Host) CallTool(ctx context.Context, serverID, tool string, args map[string]any) *invoker.Result {
	d, err := h.reg.Get(serverID)
	if err != nil {
		return errorResult(err)
	}
	return h.inv.CallTool(ctx, d, tool, args)
}

// CallToolByName invokes a tool by its sanitized name.
func (h *Host) CallToolByName(ctx context.Context, name string, args map[string]any) *invoker.Result {
	td, ok := invoker.Resolve(name, h.GetAllAvailableTools(ctx))
	if !ok {
		return errorResult(fmt.Errorf("no active server offers tool %q", name))
	}
	return h.CallTool(ctx, td.ServerID, td.Name, args)
}

func errorResult(err error) *invoker.Result {
	return &invoker.Result{
		Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf("tool call failed: %v", err))},
		IsError: true,
	}
}

// BuiltinServers returns the catalog of in-process servers.
func (h *Host) BuiltinServers() []builtin.Entry {
	return builtin.Catalog()
}

// AddBuiltinServer registers a catalog server under its stable id. It
// is active by default.
func (h *Host) AddBuiltinServer(name string) (registry.Descriptor, error) {
	e, ok := builtin.Lookup(name)
	if !ok {
		return registry.Descriptor{}, fmt.Errorf("%w: %q", builtin.ErrUnknown, name)
	}
	d := registry.FromBuiltin(e)
	d.IsActive = true
	return h.AddServer(d)
}

// Events returns the bus lifecycle events are published on, or nil.
func (h *Host) Events() *events.Bus {
	return h.events
}

// Close disconnects every server.
func (h *Host) Close() {
	h.conns.CloseAll()
}
