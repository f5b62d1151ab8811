package connmgr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"

	"github.com/nugget/toolhost/internal/registry"
)

// Key is the canonical fingerprint of a server's identity. Descriptors
// with the same key share one live connection.
type Key string

// Short returns an abbreviated form for logs.
func (k Key) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// identity is the subset of a descriptor that decides which process or
// stream a connection talks to. Headers, timeout, the active flag and
// the description are deliberately absent: changing them must not
// orphan a live connection under a new key.
type identity struct {
	Kind     registry.TransportKind `json:"kind"`
	Endpoint string                 `json:"endpoint,omitempty"`
	Command  string                 `json:"command,omitempty"`
	Args     []string               `json:"args,omitempty"`
	Env      map[string]string      `json:"env,omitempty"`
	Builtin  string                 `json:"builtin,omitempty"`
	Name     string                 `json:"name"`
	ID       string                 `json:"id"`
}

// KeyOf derives the connection key of d. encoding/json writes struct
// fields in declaration order and map keys sorted, so equal identities
// always serialize identically. Empty and nil collections are treated
// alike.
func KeyOf(d registry.Descriptor) Key {
	id := identity{
		Kind:     d.Kind,
		Endpoint: d.Endpoint,
		Command:  d.Command,
		Builtin:  d.Builtin,
		Name:     d.Name,
		ID:       d.ID,
	}
	if len(d.Args) > 0 {
		id.Args = d.Args
	}
	if len(d.Env) > 0 {
		id.Env = maps.Clone(d.Env)
	}

	// Marshal cannot fail for this struct.
	data, _ := json.Marshal(id)
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}
