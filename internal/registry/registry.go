package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Lookup errors.
var (
	ErrNotFound = errors.New("server not found")
	ErrExists   = errors.New("server already exists")
)

// Registry is the in-memory view of all server descriptors, written
// through to a Store when one is configured. It is safe for concurrent
// use. Callers always receive copies.
type Registry struct {
	store  *Store
	logger *slog.Logger

	mu          sync.RWMutex
	servers     []Descriptor
	savedActive []string
}

// New loads the registry from store. A nil store keeps everything in
// memory, which is what tests and one-shot CLI commands use.
func New(store *Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:   store,
		logger:  logger,
		servers: []Descriptor{},
	}
	if store == nil {
		return r, nil
	}

	servers, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("load servers: %w", err)
	}
	for _, d := range servers {
		if err := d.Validate(); err != nil {
			// Keep it listed so it can be fixed or removed, but say so.
			logger.Warn("stored server descriptor is invalid", "id", d.ID, "name", d.Name, "error", err)
		}
	}
	saved, err := store.SavedActive()
	if err != nil {
		return nil, fmt.Errorf("load saved active set: %w", err)
	}

	r.servers = servers
	r.savedActive = saved
	logger.Info("server registry loaded", "servers", len(servers), "saved_active", len(saved))
	return r, nil
}

// List returns every descriptor in insertion order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.servers))
	for i, d := range r.servers {
		out[i] = d.Clone()
	}
	return out
}

// Active returns the descriptors marked active.
func (r *Registry) Active() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, d := range r.servers {
		if d.IsActive {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Get returns the descriptor with the given id.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.index(id)
	if i < 0 {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.servers[i].Clone(), nil
}

// FindByName returns the first descriptor with the given display name.
func (r *Registry) FindByName(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.servers {
		if d.Name == name {
			return d.Clone(), true
		}
	}
	return Descriptor{}, false
}

// Add normalizes, validates and stores a new descriptor. A missing id
// is assigned a UUID. The stored descriptor is returned.
func (r *Registry) Add(d Descriptor) (Descriptor, error) {
	d = d.Clone()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := d.Normalize(); err != nil {
		return Descriptor{}, err
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index(d.ID) >= 0 {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrExists, d.ID)
	}
	if err := r.persist(d); err != nil {
		return Descriptor{}, err
	}
	r.servers = append(r.servers, d)
	return d.Clone(), nil
}

// Update replaces the descriptor with the same id. The previous version
// is returned so callers can tear down its connection.
func (r *Registry) Update(d Descriptor) (prev Descriptor, err error) {
	d = d.Clone()
	if err := d.Normalize(); err != nil {
		return Descriptor{}, err
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(d.ID)
	if i < 0 {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, d.ID)
	}
	if err := r.persist(d); err != nil {
		return Descriptor{}, err
	}
	prev = r.servers[i]
	r.servers[i] = d
	return prev.Clone(), nil
}

// Remove deletes a descriptor and returns it.
func (r *Registry) Remove(id string) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(id)
	if i < 0 {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.store != nil {
		if err := r.store.Delete(id); err != nil {
			return Descriptor{}, err
		}
	}
	d := r.servers[i]
	r.servers = slices.Delete(r.servers, i, i+1)
	r.savedActive = slices.DeleteFunc(r.savedActive, func(s string) bool { return s == id })
	return d, nil
}

// SetActive flips the active flag and returns the updated descriptor.
func (r *Registry) SetActive(id string, active bool) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(id)
	if i < 0 {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d := r.servers[i].Clone()
	d.IsActive = active
	if err := r.persist(d); err != nil {
		return Descriptor{}, err
	}
	r.servers[i] = d
	return d.Clone(), nil
}

// Seed adds descriptors that are not yet known by id. It is used to
// merge servers declared in the config file into the persistent set.
// Invalid entries are skipped and reported in the returned error.
func (r *Registry) Seed(ds []Descriptor) (added int, err error) {
	var errs []error
	for _, d := range ds {
		if d.ID != "" {
			if _, getErr := r.Get(d.ID); getErr == nil {
				continue
			}
		}
		if _, addErr := r.Add(d); addErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, addErr))
			continue
		}
		added++
	}
	return added, errors.Join(errs...)
}

// SavedActive returns the ids remembered by the last bulk stop.
func (r *Registry) SavedActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.savedActive)
}

// SetSavedActive replaces the remembered active set.
func (r *Registry) SetSavedActive(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		if err := r.store.SetSavedActive(ids); err != nil {
			return err
		}
	}
	r.savedActive = slices.Clone(ids)
	return nil
}

func (r *Registry) persist(d Descriptor) error {
	if r.store == nil {
		return nil
	}
	return r.store.Put(d)
}

// index returns the position of id, or -1. Callers hold mu.
func (r *Registry) index(id string) int {
	return slices.IndexFunc(r.servers, func(d Descriptor) bool { return d.ID == id })
}
