package registry

import (
	"path/filepath"
	"slices"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ListEmpty(t *testing.T) {
	s := testStore(t)

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List() = %v, want empty non-nil slice", got)
	}
}

func TestStore_PutAndList(t *testing.T) {
	s := testStore(t)

	a := Descriptor{ID: "a", Name: "alpha", Kind: KindStdio, Command: "alpha-server", Env: map[string]string{"TOKEN": "x"}}
	b := Descriptor{ID: "b", Name: "beta", Kind: KindSSE, Endpoint: "https://example.com/sse", Headers: map[string]string{"Authorization": "Bearer y"}}
	for _, d := range []Descriptor{a, b} {
		if err := s.Put(d); err != nil {
			t.Fatalf("Put(%s) error: %v", d.ID, err)
		}
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("List() = %+v, want [a b]", got)
	}
	if got[0].Env["TOKEN"] != "x" || got[1].Headers["Authorization"] != "Bearer y" {
		t.Errorf("maps not round-tripped: %+v", got)
	}
}

func TestStore_PutUpsertKeepsPosition(t *testing.T) {
	s := testStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(Descriptor{ID: id, Name: id, Kind: KindStdio, Command: "x"}); err != nil {
			t.Fatalf("Put(%s) error: %v", id, err)
		}
	}
	if err := s.Put(Descriptor{ID: "a", Name: "renamed", Kind: KindStdio, Command: "x", IsActive: true}); err != nil {
		t.Fatalf("Put(upsert) error: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 3 || got[0].ID != "a" || got[0].Name != "renamed" || !got[0].IsActive {
		t.Errorf("List() = %+v, want upserted a first", got)
	}
}

func TestStore_Delete(t *testing.T) {
	s := testStore(t)

	if err := s.Put(Descriptor{ID: "a", Name: "a", Kind: KindStdio, Command: "x"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := s.SetSavedActive([]string{"a"}); err != nil {
		t.Fatalf("SetSavedActive() error: %v", err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	got, _ := s.List()
	if len(got) != 0 {
		t.Errorf("List() after delete = %v, want empty", got)
	}
	saved, _ := s.SavedActive()
	if len(saved) != 0 {
		t.Errorf("SavedActive() after delete = %v, want empty", saved)
	}

	// Deleting a non-existent id should not error.
	if err := s.Delete("nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestStore_SavedActiveReplace(t *testing.T) {
	s := testStore(t)

	if err := s.SetSavedActive([]string{"x", "y"}); err != nil {
		t.Fatalf("SetSavedActive() error: %v", err)
	}
	if err := s.SetSavedActive([]string{"z"}); err != nil {
		t.Fatalf("SetSavedActive() error: %v", err)
	}
	got, err := s.SavedActive()
	if err != nil {
		t.Fatalf("SavedActive() error: %v", err)
	}
	if !slices.Equal(got, []string{"z"}) {
		t.Errorf("SavedActive() = %v, want [z]", got)
	}

	if err := s.SetSavedActive(nil); err != nil {
		t.Fatalf("SetSavedActive(nil) error: %v", err)
	}
	got, _ = s.SavedActive()
	if len(got) != 0 {
		t.Errorf("SavedActive() = %v, want empty", got)
	}
}

func TestStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	if err := s1.Put(Descriptor{ID: "p", Name: "persist", Kind: KindStdio, Command: "x"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() reopen error: %v", err)
	}
	defer s2.Close()

	got, err := s2.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 1 || got[0].Name != "persist" {
		t.Errorf("List() after reopen = %+v, want [persist]", got)
	}
}
