package trait

import (
	"fmt"
	"sync/atomic"
)

// Entry is one registry slot: a trait's current implementation plus the
// version number it was installed at.
type Entry struct {
	Name    string
	Impl    Trait
	Version int
}

// Snapshot is an immutable point-in-time view of the registry. Readers hold
// one for the duration of a single logical operation (e.g. one spawn) so
// they never observe a half-updated map.
type Snapshot struct {
	entries map[string]Entry
}

// Lookup returns the entry for name, if present.
func (s *Snapshot) Lookup(name string) (Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Names returns every trait name currently registered, in no particular
// order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	return names
}

// Len returns the number of registered traits.
func (s *Snapshot) Len() int { return len(s.entries) }

// Registry holds the current name -> implementation mapping behind an
// atomic reference cell. Writers (only the Patcher) construct a new
// immutable map and swap the pointer; readers snapshot the pointer once
// and never see a partially-updated map. There is no lock on the read
// path.
type Registry struct {
	ptr atomic.Pointer[Snapshot]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.ptr.Store(&Snapshot{entries: map[string]Entry{}})
	return r
}

// Load returns the current snapshot. Safe for concurrent use; wait-free.
func (r *Registry) Load() *Snapshot {
	return r.ptr.Load()
}

// Install atomically replaces any prior version of name with impl,
// incrementing the version counter. It is the only write operation and is
// used exclusively by the Runtime Patcher.
func (r *Registry) Install(name string, impl Trait) (version int, err error) {
	if name == "" {
		return 0, fmt.Errorf("trait: empty name")
	}
	if impl == nil {
		return 0, fmt.Errorf("trait: nil implementation for %q", name)
	}

	for {
		old := r.ptr.Load()
		prevVersion := 0
		if e, ok := old.entries[name]; ok {
			prevVersion = e.Version
		}
		next := prevVersion + 1

		newEntries := make(map[string]Entry, len(old.entries)+1)
		for k, v := range old.entries {
			newEntries[k] = v
		}
		newEntries[name] = Entry{Name: name, Impl: impl, Version: next}
		newSnap := &Snapshot{entries: newEntries}

		if r.ptr.CompareAndSwap(old, newSnap) {
			return next, nil
		}
		// Another installer raced us; retry against the new base.
	}
}

// Remove atomically deletes name from the registry. It is a no-op if name
// is not registered.
func (r *Registry) Remove(name string) {
	for {
		old := r.ptr.Load()
		if _, ok := old.entries[name]; !ok {
			return
		}
		newEntries := make(map[string]Entry, len(old.entries))
		for k, v := range old.entries {
			if k != name {
				newEntries[k] = v
			}
		}
		newSnap := &Snapshot{entries: newEntries}
		if r.ptr.CompareAndSwap(old, newSnap) {
			return
		}
	}
}
