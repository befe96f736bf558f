package tree

import "sync"

// Registry is the global path → Entry index (spec component C2). At most
// one Entry exists per path at a time (spec.md §3.1 invariant 2).
// Directory materialization and child insertion register entries here;
// walk and lockPath resolve paths through each directory's children map
// and do not consult the registry. Release looks entries up in it.
type Registry struct {
	mu     sync.Mutex
	byPath map[string]*Entry
}

func newRegistry() *Registry {
	return &Registry{byPath: make(map[string]*Entry)}
}

// Get returns the entry registered at p, if any. It does not take a
// reference; a caller that keeps the entry after Get returns must hold
// some other reference to it or accept that it may be removed
// concurrently.
func (r *Registry) Get(p string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPath[p]
	return e, ok
}

// Insert registers e at its current path. It panics if an entry is
// already registered there, since the registry enforces at-most-one
// entry per path (spec.md §3.1 invariant 2); callers are expected to
// have checked with Get under the same external synchronization (the
// parent directory's entry lock) that guards the namespace.
//
// Deviation from spec.md §3.1 invariant 4/§4.1: the registry does not
// hold its own Ref on e. It is a non-owning secondary index piggybacking
// on the owning reference the parent directory's child map (or, for the
// root, the Tree itself) already holds for the same lifetime — every
// Insert here is paired with exactly one parent-held Ref, and every
// Remove with that same Unref (dir.go's insertChild/removeChild,
// tree.go's renameSameParent/renameCrossParent). See DESIGN.md.
func (r *Registry) Insert(e *Entry) {
	p := e.PathGet()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPath[p]; exists {
		panic("tree: registry already has an entry at " + p)
	}
	r.byPath[p] = e
	e.pathMu.Lock()
	e.registered = true
	e.pathMu.Unlock()
}

// Remove unregisters whatever entry currently sits at p, if e still
// occupies that slot. It is a no-op if e has already been replaced or
// removed, which happens harmlessly during rename (unregister old path,
// PathSet, Insert at new path).
func (r *Registry) Remove(e *Entry) {
	p := e.PathGet()

	r.mu.Lock()
	if cur, ok := r.byPath[p]; ok && cur == e {
		delete(r.byPath, p)
	}
	r.mu.Unlock()

	e.pathMu.Lock()
	e.registered = false
	e.pathMu.Unlock()
}

// Rename atomically moves e's registry slot from oldPath to e's current
// (new) path. Callers must hold locks sufficient to prevent a concurrent
// Walk from observing an inconsistent state at either path — in
// practice, the locks taken by lockPath on both the source and
// destination parent directories (spec.md §4.3).
func (r *Registry) Rename(e *Entry, oldPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byPath[oldPath]; ok && cur == e {
		delete(r.byPath, oldPath)
	}
	r.byPath[e.PathGet()] = e
}

// Len reports the number of registered entries, for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPath)
}
