package tree

import (
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/casfs/casfs/internal/store"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// Kind distinguishes a file entry from a directory entry (spec.md §3.1).
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is one node of the in-memory tree cache (spec component C3). Its
// zero value is not useful; construct with newEntry.
//
// Locking discipline (spec.md §3.1, §4.2): path/basename are guarded by
// pathMu, refcount by refMu, and everything else — kind never changes
// after construction and needs no guard — by mu, the "entry lock". mu is
// a syncutil.InvariantMutex, the same invariant-checked mutex the
// teacher's memfs inode/dir types use, so every unlock re-validates
// invariant 1 (dirty ⇒ cached) for free in debug builds.
type Entry struct {
	clock   timeutil.Clock
	backend store.Backend

	pathMu   sync.Mutex
	path     string
	basename string

	refMu    sync.Mutex
	refcount int

	mu syncutil.InvariantMutex

	kind Kind // GUARDED_BY(mu) in spirit; immutable after construction

	uri  store.URI      // GUARDED_BY(mu)
	meta store.Metadata // GUARDED_BY(mu)

	cached bool // GUARDED_BY(mu)
	dirty  bool // GUARDED_BY(mu)

	// directory-only. GUARDED_BY(mu). childOrder preserves the order
	// entries arrived in off the backend (or were inserted locally), so
	// readdir reflects blob order rather than map iteration order.
	children   map[string]*Entry
	childOrder []string

	// file-only. GUARDED_BY(mu).
	scratchPath string
	scratchFile *os.File

	// set once, true only for the mount root (spec.md §3.1 invariant 7).
	isRoot bool

	// registered reports whether the registry currently holds this entry,
	// so PathSet can enforce "only legal when the entry is not registered"
	// (spec.md §4.2).
	registered bool
}

func newEntry(clock timeutil.Clock, backend store.Backend, p string, kind Kind, uri store.URI, meta store.Metadata, dirty bool) *Entry {
	e := &Entry{
		clock:    clock,
		backend:  backend,
		path:     p,
		basename: path.Base(p),
		kind:     kind,
		uri:      uri,
		meta:     meta,
		dirty:    dirty,
		cached:   dirty,
	}
	if kind == KindDir && dirty {
		e.children = make(map[string]*Entry)
		e.childOrder = nil
	}
	e.mu = syncutil.NewInvariantMutex(e.checkInvariants)
	return e
}

func (e *Entry) checkInvariants() {
	if e.dirty && !e.cached {
		panic(fmt.Sprintf("entry %s: dirty without cached", e.path))
	}
	if e.kind == KindDir && e.cached && e.children == nil {
		panic(fmt.Sprintf("entry %s: cached directory with nil children", e.path))
	}
	if e.kind == KindFile && e.children != nil {
		panic(fmt.Sprintf("entry %s: file entry has a child map", e.path))
	}
}

////////////////////////////////////////////////////////////////////////
// Locking
////////////////////////////////////////////////////////////////////////

// Lock acquires the entry lock exclusively.
func (e *Entry) Lock() { e.mu.Lock() }

// Unlock releases the entry lock.
func (e *Entry) Unlock() { e.mu.Unlock() }

////////////////////////////////////////////////////////////////////////
// Path / basename
////////////////////////////////////////////////////////////////////////

// PathGet returns a copy of the entry's current path.
func (e *Entry) PathGet() string {
	e.pathMu.Lock()
	defer e.pathMu.Unlock()
	return e.path
}

// Basename returns a copy of the entry's current basename.
func (e *Entry) Basename() string {
	e.pathMu.Lock()
	defer e.pathMu.Unlock()
	return e.basename
}

// PathSet changes the entry's path and basename. It is only legal to call
// this while the entry is not registered (spec.md §4.2); callers (rename)
// must unregister, mutate, then re-register.
func (e *Entry) PathSet(p string) {
	e.pathMu.Lock()
	defer e.pathMu.Unlock()
	if e.registered {
		panic("tree: PathSet called on a registered entry")
	}
	e.path = p
	e.basename = path.Base(p)
}

////////////////////////////////////////////////////////////////////////
// Refcounting
////////////////////////////////////////////////////////////////////////

// Ref adds one reference.
func (e *Entry) Ref() {
	e.refMu.Lock()
	e.refcount++
	e.refMu.Unlock()
}

// Unref drops one reference, destroying the entry's resources when the
// count reaches zero (spec.md §3.1 Destroy).
func (e *Entry) Unref() {
	e.refMu.Lock()
	e.refcount--
	n := e.refcount
	e.refMu.Unlock()

	if n < 0 {
		panic(fmt.Sprintf("tree: negative refcount on %s", e.PathGet()))
	}
	if n == 0 {
		e.destroy()
	}
}

// RefCount returns the current reference count, for tests and invariant
// checks only.
func (e *Entry) RefCount() int {
	e.refMu.Lock()
	defer e.refMu.Unlock()
	return e.refcount
}

func (e *Entry) destroy() {
	e.Lock()
	defer e.Unlock()

	e.uri = store.URI{}
	e.meta = nil
	if e.kind == KindDir {
		// Children are each owned by one parent reference; dropping the
		// map drops those references (spec.md §3.1 invariant 6).
		for _, c := range e.children {
			c.Unref()
		}
		e.children = nil
		e.childOrder = nil
	} else if e.scratchFile != nil {
		e.scratchFile.Close()
		os.Remove(e.scratchPath)
		e.scratchFile = nil
		e.scratchPath = ""
	}
}

////////////////////////////////////////////////////////////////////////
// Accessors used by the directory/file engines and the lock protocol.
// All REQUIRE the entry lock to already be held by the caller.
////////////////////////////////////////////////////////////////////////

func (e *Entry) isDir() bool  { return e.kind == KindDir }
func (e *Entry) isFile() bool { return e.kind == KindFile }

func (e *Entry) markDirty() {
	e.dirty = true
	e.cached = true
}

func (e *Entry) isDirty() bool  { return e.dirty }
func (e *Entry) isCached() bool { return e.cached }

func (e *Entry) currentURI() store.URI { return e.uri }

func (e *Entry) currentMeta() store.Metadata { return e.meta }
