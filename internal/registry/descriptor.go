// Package registry stores tool server definitions: the connection
// recipe for every MCP server toolhost knows about, whether it should be
// connected, and the set of servers to restore after a bulk stop. The
// connection manager reads descriptors from here per connection attempt
// and never writes them.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/nugget/toolhost/internal/builtin"
)

// DefaultTimeout is the per-call timeout when a descriptor sets none.
const DefaultTimeout = 60 * time.Second

// ErrInvalidDescriptor marks configuration errors. They are returned
// synchronously and never retried.
var ErrInvalidDescriptor = errors.New("invalid server descriptor")

// TransportKind selects how toolhost talks to a server.
type TransportKind string

// Supported transport kinds.
const (
	KindInMemory       TransportKind = "in-memory"
	KindStdio          TransportKind = "stdio"
	KindSSE            TransportKind = "sse"
	KindStreamableHTTP TransportKind = "streamable-http"
)

// Kinds lists every supported transport kind.
var Kinds = []TransportKind{KindInMemory, KindStdio, KindSSE, KindStreamableHTTP}

// IsHTTP reports whether k is one of the HTTP-family transports.
func (k TransportKind) IsHTTP() bool {
	return k == KindSSE || k == KindStreamableHTTP
}

// ParseTransportKind maps a configured transport name to a kind. Legacy
// spellings are accepted: "httpStream" was the old name of the SSE
// transport, and camel-case variants of the current names still appear
// in older configs. An empty name is inferred from the endpoint: URLs
// ending in /mcp speak streamable HTTP, any other URL SSE.
func ParseTransportKind(raw, endpoint string) (TransportKind, error) {
	switch strings.TrimSpace(raw) {
	case "in-memory", "inMemory", "inmemory", "builtin":
		return KindInMemory, nil
	case "stdio":
		return KindStdio, nil
	case "sse", "httpStream":
		return KindSSE, nil
	case "streamable-http", "streamableHttp", "streamable_http", "http":
		return KindStreamableHTTP, nil
	case "":
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			return "", fmt.Errorf("%w: transport kind is required", ErrInvalidDescriptor)
		}
		path := endpoint
		if u, err := url.Parse(endpoint); err == nil {
			path = u.Path
		}
		if strings.HasSuffix(strings.TrimRight(path, "/"), "/mcp") {
			return KindStreamableHTTP, nil
		}
		return KindSSE, nil
	default:
		return "", fmt.Errorf("%w: unknown transport kind %q", ErrInvalidDescriptor, raw)
	}
}

// Descriptor is the identity and connection recipe for a tool server.
type Descriptor struct {
	// ID is assigned at creation and never changes.
	ID string `json:"id" yaml:"id"`

	// Name is the display name and the namespace of the server's
	// sanitized tool names.
	Name string `json:"name" yaml:"name"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Kind TransportKind `json:"transportKind" yaml:"transport"`

	// Endpoint is the server URL for sse and streamable-http.
	Endpoint string `json:"endpoint,omitempty" yaml:"url,omitempty"`

	// Command, Args and Env form the process recipe for stdio.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Headers are added to every request of an HTTP-family transport.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Builtin names the catalog server for in-memory descriptors.
	Builtin string `json:"builtin,omitempty" yaml:"builtin,omitempty"`

	// TimeoutMs bounds each call; zero means DefaultTimeout.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`

	// IsActive says whether a live connection should be maintained.
	IsActive bool `json:"isActive" yaml:"active"`
}

// Timeout returns the per-call timeout.
func (d Descriptor) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	d.Args = slices.Clone(d.Args)
	d.Env = maps.Clone(d.Env)
	d.Headers = maps.Clone(d.Headers)
	return d
}

// Normalize trims fields and resolves legacy transport names. For
// in-memory servers it fills Builtin from the name when it is a catalog
// server.
func (d *Descriptor) Normalize() error {
	d.ID = strings.TrimSpace(d.ID)
	d.Name = strings.TrimSpace(d.Name)
	d.Endpoint = strings.TrimSpace(d.Endpoint)
	d.Command = strings.TrimSpace(d.Command)
	d.Builtin = strings.TrimSpace(d.Builtin)

	kind, err := ParseTransportKind(string(d.Kind), d.Endpoint)
	if err != nil {
		if d.Kind == "" && d.Endpoint == "" && d.Command != "" {
			kind, err = KindStdio, nil
		} else {
			return err
		}
	}
	d.Kind = kind

	if d.Kind == KindInMemory && d.Builtin == "" {
		if e, ok := builtin.Lookup(d.Name); ok {
			d.Builtin = e.Key
		}
	}
	return nil
}

// Validate enforces that exactly the fields belonging to the transport
// kind are populated.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if d.TimeoutMs < 0 {
		return fmt.Errorf("%w: %s: negative timeout", ErrInvalidDescriptor, d.Name)
	}

	switch d.Kind {
	case KindStdio:
		if d.Command == "" {
			return fmt.Errorf("%w: %s: stdio server needs a command", ErrInvalidDescriptor, d.Name)
		}
		if d.Endpoint != "" {
			return fmt.Errorf("%w: %s: stdio server cannot have an endpoint", ErrInvalidDescriptor, d.Name)
		}

	case KindSSE, KindStreamableHTTP:
		if d.Endpoint == "" {
			return fmt.Errorf("%w: %s: %s server needs an endpoint", ErrInvalidDescriptor, d.Name, d.Kind)
		}
		u, err := url.Parse(d.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s: endpoint %q is not an http(s) URL", ErrInvalidDescriptor, d.Name, d.Endpoint)
		}
		if d.Command != "" {
			return fmt.Errorf("%w: %s: %s server cannot have a command", ErrInvalidDescriptor, d.Name, d.Kind)
		}

	case KindInMemory:
		if d.Endpoint != "" || d.Command != "" {
			return fmt.Errorf("%w: %s: in-memory server takes neither endpoint nor command", ErrInvalidDescriptor, d.Name)
		}
		if !builtin.IsBuiltin(d.Builtin) {
			return fmt.Errorf("%w: %s: unknown builtin server %q", ErrInvalidDescriptor, d.Name, d.Builtin)
		}

	default:
		return fmt.Errorf("%w: %s: unknown transport kind %q", ErrInvalidDescriptor, d.Name, d.Kind)
	}
	return nil
}

// FromBuiltin builds an inactive descriptor for a catalog entry.
func FromBuiltin(e builtin.Entry) Descriptor {
	return Descriptor{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Kind:        KindInMemory,
		Builtin:     e.Key,
	}
}
