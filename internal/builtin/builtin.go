// Package builtin is the catalog of tool servers that run inside the
// toolhost process. Each entry builds a fresh mark3labs/mcp-go server
// that the connection manager serves over an in-memory transport pair,
// so built-in tools travel the same protocol path as remote ones.
package builtin

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/toolhost/internal/buildinfo"
)

// IDPrefix marks descriptor ids of catalog servers.
const IDPrefix = "builtin-"

// ErrUnknown is returned for a name that is not in the catalog.
var ErrUnknown = errors.New("unknown builtin server")

// Entry describes one catalog server.
type Entry struct {
	// Key is the short catalog name ("echo", "time").
	Key string `json:"key"`

	// ID is the stable descriptor id ("builtin-echo").
	ID string `json:"id"`

	// Name is the display name, also the tool-name namespace.
	Name string `json:"name"`

	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`

	build func() *server.MCPServer
}

var catalog = []Entry{
	{
		Key:         "echo",
		Name:        "@toolhost/echo",
		Description: "Echoes text back; useful for checking the tool pipeline end to end",
		Tags:        []string{"test", "diagnostics"},
		build:       newEchoServer,
	},
	{
		Key:         "time",
		Name:        "@toolhost/time",
		Description: "Current date and time in any IANA time zone, in ISO 8601, RFC 1123 or Unix form",
		Tags:        []string{"time", "date"},
		build:       newTimeServer,
	},
	{
		Key:         "calculator",
		Name:        "@toolhost/calculator",
		Description: "Basic and scientific arithmetic",
		Tags:        []string{"math"},
		build:       newCalculatorServer,
	},
}

func init() {
	for i := range catalog {
		catalog[i].ID = IDPrefix + catalog[i].Key
	}
}

// Catalog returns every built-in server, in a stable order.
func Catalog() []Entry {
	return slices.Clone(catalog)
}

// Lookup finds a catalog entry by key, id, or display name.
func Lookup(name string) (Entry, bool) {
	name = strings.TrimSpace(name)
	for _, e := range catalog {
		if name == e.Key || name == e.ID || name == e.Name {
			return e, true
		}
	}
	return Entry{}, false
}

// IsBuiltin reports whether name identifies a catalog server.
func IsBuiltin(name string) bool {
	_, ok := Lookup(name)
	return ok
}

// New builds a fresh server instance for the named catalog entry.
func New(name string) (*server.MCPServer, error) {
	e, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return e.build(), nil
}

func newServer(name string) *server.MCPServer {
	return server.NewMCPServer(name, buildinfo.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
}
