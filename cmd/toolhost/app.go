package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/nugget/toolhost/internal/builtin"
	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/connmgr"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/host"
	"github.com/nugget/toolhost/internal/invoker"
	"github.com/nugget/toolhost/internal/registry"
)

// app is the wired runtime shared by serve and the one-shot commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *registry.Store
	reg    *registry.Registry
	bus    *events.Bus
	conns  *connmgr.Manager
	host   *host.Host
}

// newApp opens the registry database under the data directory, merges
// the configured servers into it, and builds the connection manager,
// invoker and host on top. Background polling is only wanted by
// long-running processes.
func newApp(cfg *config.Config, logger *slog.Logger, poll bool) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "toolhost.db")
	store, err := registry.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry database %s: %w", dbPath, err)
	}
	logger.Debug("registry database opened", "path", dbPath)

	reg, err := registry.New(store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}

	seed, err := descriptorsFromConfig(cfg.MCP.Servers)
	if err != nil {
		store.Close()
		return nil, err
	}
	added, err := reg.Seed(seed)
	if err != nil {
		// A bad entry should not keep the good ones from loading.
		logger.Warn("some configured servers were not registered", "error", err)
	}
	if added > 0 {
		logger.Info("registered configured servers", "count", added)
	}

	bus := events.New()

	health := cfg.MCP.Health
	pollInterval := health.PollInterval
	if !poll {
		pollInterval = 0
	}
	conns := connmgr.New(connmgr.Config{
		Factory: &connmgr.TransportFactory{
			Logger:             logger,
			SSEEndpointTimeout: cfg.MCP.SSE.EndpointTimeout,
			SSEReconnectDelay:  cfg.MCP.SSE.ReconnectDelay,
		},
		Logger:       logger,
		Events:       bus,
		PingOnReuse:  health.ShouldPingOnReuse(),
		PingTimeout:  health.PingTimeout,
		PollInterval: pollInterval,
	})

	inv := invoker.New(invoker.Config{
		Connector:      invoker.FromManager(conns),
		Logger:         logger,
		Events:         bus,
		MaxAttempts:    cfg.MCP.Retry.MaxAttempts,
		InitialBackoff: cfg.MCP.Retry.InitialBackoff,
		MaxBackoff:     cfg.MCP.Retry.MaxBackoff,
	})

	h := host.New(host.Config{
		Registry:    reg,
		Connections: conns,
		Invoker:     inv,
		Logger:      logger,
		Events:      bus,
	})

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		reg:    reg,
		bus:    bus,
		conns:  conns,
		host:   h,
	}, nil
}

// Close disconnects every server and closes the database.
func (a *app) Close() {
	a.host.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close registry database", "error", err)
	}
}

// logEvents forwards runtime events to the logger at debug level until
// ctx is done.
func (a *app) logEvents(ctx context.Context) {
	ch := a.bus.Subscribe(64)
	defer a.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			args := []any{"source", ev.Source, "kind", ev.Kind}
			for k, v := range ev.Data {
				args = append(args, k, v)
			}
			a.logger.Debug("event", args...)
		}
	}
}

// descriptorsFromConfig converts the YAML server list to descriptors.
// Entries without an id get a stable one derived from the builtin
// catalog or the name, so seeding is idempotent across restarts.
func descriptorsFromConfig(servers []config.MCPServerConfig) ([]registry.Descriptor, error) {
	ds := make([]registry.Descriptor, 0, len(servers))
	for i, s := range servers {
		kind, err := registry.ParseTransportKind(s.Transport, s.URL)
		if err != nil {
			if s.Transport == "" && s.URL == "" && (s.Command != "" || s.Builtin != "") {
				kind = registry.KindStdio
				if s.Builtin != "" {
					kind = registry.KindInMemory
				}
			} else {
				return nil, fmt.Errorf("mcp.servers[%d] %s: %w", i, s.Name, err)
			}
		}

		d := registry.Descriptor{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Kind:        kind,
			Endpoint:    s.URL,
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			Headers:     s.Headers,
			Builtin:     s.Builtin,
			TimeoutMs:   s.TimeoutMs,
			IsActive:    s.Active,
		}
		if d.ID == "" {
			d.ID = configID(d)
		}
		ds = append(ds, d)
	}
	return ds, nil
}

func configID(d registry.Descriptor) string {
	if d.Kind == registry.KindInMemory {
		key := d.Builtin
		if key == "" {
			key = d.Name
		}
		if e, ok := builtin.Lookup(key); ok {
			return e.ID
		}
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(d.Name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
		} else if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return "config-" + strings.TrimSuffix(b.String(), "-")
}
