package connmgr

import (
	"testing"

	"github.com/nugget/toolhost/internal/registry"
)

func TestKeyOf(t *testing.T) {
	base := registry.Descriptor{
		ID:      "fs",
		Name:    "filesystem",
		Kind:    registry.KindStdio,
		Command: "mcp-fs",
		Args:    []string{"--root", "/tmp"},
		Env:     map[string]string{"A": "1", "B": "2"},
	}

	same := []struct {
		name   string
		mutate func(d *registry.Descriptor)
	}{
		{"identical copy", func(d *registry.Descriptor) {}},
		{"env built in other order", func(d *registry.Descriptor) {
			d.Env = map[string]string{"B": "2", "A": "1"}
		}},
		{"timeout changed", func(d *registry.Descriptor) { d.TimeoutMs = 5000 }},
		{"active flag changed", func(d *registry.Descriptor) { d.IsActive = true }},
		{"headers changed", func(d *registry.Descriptor) { d.Headers = map[string]string{"X": "y"} }},
		{"description changed", func(d *registry.Descriptor) { d.Description = "files" }},
	}
	for _, tt := range same {
		t.Run(tt.name, func(t *testing.T) {
			d := base.Clone()
			tt.mutate(&d)
			if KeyOf(d) != KeyOf(base) {
				t.Errorf("KeyOf differs after %s", tt.name)
			}
		})
	}

	different := []struct {
		name   string
		mutate func(d *registry.Descriptor)
	}{
		{"command", func(d *registry.Descriptor) { d.Command = "other" }},
		{"args order", func(d *registry.Descriptor) { d.Args = []string{"/tmp", "--root"} }},
		{"env value", func(d *registry.Descriptor) { d.Env["A"] = "9" }},
		{"name", func(d *registry.Descriptor) { d.Name = "fs2" }},
		{"id", func(d *registry.Descriptor) { d.ID = "fs2" }},
		{"kind", func(d *registry.Descriptor) { d.Kind = registry.KindSSE }},
	}
	for _, tt := range different {
		t.Run("differs by "+tt.name, func(t *testing.T) {
			d := base.Clone()
			tt.mutate(&d)
			if KeyOf(d) == KeyOf(base) {
				t.Errorf("KeyOf unchanged after changing %s", tt.name)
			}
		})
	}
}

func TestKeyOf_EmptyCollections(t *testing.T) {
	a := registry.Descriptor{ID: "x", Name: "x", Kind: registry.KindStdio, Command: "c"}
	b := a
	b.Args = []string{}
	b.Env = map[string]string{}
	if KeyOf(a) != KeyOf(b) {
		t.Error("nil and empty collections produced different keys")
	}
}

func TestKeyShort(t *testing.T) {
	k := KeyOf(registry.Descriptor{ID: "x", Name: "x"})
	if len(k) != 64 {
		t.Fatalf("len(KeyOf) = %d, want 64 hex chars", len(k))
	}
	if got := k.Short(); len(got) != 12 || got != string(k[:12]) {
		t.Errorf("Short() = %q", got)
	}
	if got := Key("abc").Short(); got != "abc" {
		t.Errorf("Short() of short key = %q, want abc", got)
	}
}
