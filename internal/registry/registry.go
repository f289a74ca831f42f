// Package registry assigns stable session ids to tuner names.
package registry

import (
	"sort"
	"sync"

	"github.com/babelcloud/tunerbridge/internal/protocol"
	"github.com/babelcloud/tunerbridge/internal/util"
	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
)

const DefaultMaxTuners = 8

var (
	ErrCapacityExceeded = errors.New("tuner registry is full")
	ErrNotFound         = errors.New("tuner not registered")
)

// Registration is what a controller announces for one tuner.
type Registration struct {
	Name        string             `json:"name"`
	TunerCount  uint8              `json:"tuner_count"`
	Kind        protocol.TunerKind `json:"kind"`
	UseFullName bool               `json:"use_full_name"`
}

// Entry is a registered tuner.
type Entry struct {
	ID int32 `json:"id"`
	Registration
}

// Registry maps names to ids for the lifetime of the host process. Names
// compare on the bytes the wire record carries.
type Registry struct {
	mu      sync.RWMutex
	names   *bimap.BiMap[string, int32]
	entries map[int32]Entry
	max     int
	next    int32
}

func New(maxTuners int) *Registry {
	if maxTuners <= 0 {
		maxTuners = DefaultMaxTuners
	}
	return &Registry{
		names:   bimap.NewBiMap[string, int32](),
		entries: map[int32]Entry{},
		max:     maxTuners,
	}
}

// Register returns the id for reg.Name, creating it if the name is new.
// created is false when the name was already registered, in which case the
// stored entry is returned unchanged.
func (r *Registry) Register(reg Registration) (Entry, bool, error) {
	key := protocol.TruncateName(reg.Name)
	if key == "" {
		return Entry{}, false, errors.New("tuner name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.names.Get(key); ok {
		util.GetLogger().Info("Tuner already registered", "name", key, "id", id)
		return r.entries[id], false, nil
	}
	if len(r.entries) >= r.max {
		return Entry{}, false, errors.Wrapf(ErrCapacityExceeded, "cannot register %s, limit %d", key, r.max)
	}

	reg.Name = key
	entry := Entry{ID: r.next, Registration: reg}
	r.next++
	r.names.Insert(key, entry.ID)
	r.entries[entry.ID] = entry

	util.GetLogger().Info("Tuner registered", "name", key, "id", entry.ID, "kind", reg.Kind)
	return entry, true, nil
}

func (r *Registry) Lookup(id int32) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	return entry, nil
}

func (r *Registry) LookupName(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.names.Get(protocol.TruncateName(name))
	if !ok {
		return Entry{}, errors.Wrapf(ErrNotFound, "name %s", name)
	}
	return r.entries[id], nil
}

// List returns all entries ordered by id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names.Size()
}
