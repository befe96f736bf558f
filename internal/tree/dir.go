package tree

import (
	"bytes"
	"context"
	"fmt"

	"github.com/casfs/casfs/internal/store"
	"github.com/jacobsa/timeutil"
)

// DirEngine implements directory materialization and republishing
// (spec component C5). It holds no per-directory state itself — that
// lives on each Entry — only the shared backend/clock/registry needed
// to build and persist child entries, plus the file engine needed to
// recursively republish a dirty file child.
type DirEngine struct {
	backend  store.Backend
	clock    timeutil.Clock
	registry *Registry
	files    *FileEngine
}

func newDirEngine(backend store.Backend, clock timeutil.Clock, registry *Registry, files *FileEngine) *DirEngine {
	return &DirEngine{backend: backend, clock: clock, registry: registry, files: files}
}

// materializeLocked fills in e.children from the backend if e is not
// already cached. REQUIRES e.Lock() held and e.isDir().
func (d *DirEngine) materializeLocked(ctx context.Context, e *Entry) error {
	if e.cached {
		return nil
	}

	var entries []store.DirEntry
	if !e.uri.Nil() {
		buf := new(bytes.Buffer)
		if _, err := d.backend.Download(ctx, e.uri, onceWriterAt{buf}, 0, 1<<34); err != nil {
			return newErr(KindIO, "materialize", e.PathGet(), err)
		}
		parsed, err := d.backend.ParseDir(buf.Bytes())
		if err != nil {
			return newErr(KindIO, "materialize", e.PathGet(), err)
		}
		entries = parsed
	}

	children := make(map[string]*Entry, len(entries))
	order := make([]string, 0, len(entries))
	base := e.PathGet()
	for _, de := range entries {
		kind := KindFile
		if de.IsDir {
			kind = KindDir
		}
		childPath := joinChild(base, de.Name)
		child := newEntry(d.clock, d.backend, childPath, kind, de.URI, de.Meta, false)
		child.Ref() // the parent's children map holds one reference
		children[de.Name] = child
		order = append(order, de.Name)

		if _, exists := d.registry.Get(childPath); !exists {
			d.registry.Insert(child)
		}
	}

	e.children = children
	e.childOrder = order
	e.cached = true
	return nil
}

func joinChild(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// find returns the named child of a directory entry, materializing it
// first if needed. REQUIRES e.Lock() held and e.isDir(). The returned
// entry is not ref'd; callers that keep it past unlocking e must Ref it
// themselves while still holding e's lock.
func (d *DirEngine) find(ctx context.Context, e *Entry, name string) (*Entry, error) {
	if err := d.materializeLocked(ctx, e); err != nil {
		return nil, err
	}
	child, ok := e.children[name]
	if !ok {
		return nil, newErr(KindNotFound, "find", joinChild(e.PathGet(), name), nil)
	}
	return child, nil
}

// foreach calls fn for every (name, entry) pair of a materialized
// directory, in the order the backend returned them (spec.md: readdir
// ordering follows blob order, not lexical order). REQUIRES e.Lock()
// held and e.isDir() and e already materialized.
func (d *DirEngine) foreach(e *Entry, fn func(name string, child *Entry)) {
	for _, name := range e.childOrder {
		fn(name, e.children[name])
	}
}

// insertChild adds a freshly created entry as a named child of a
// directory. REQUIRES e.Lock() held, e.isDir(), e materialized, and
// that name does not already exist (callers check e.children first).
func (d *DirEngine) insertChild(e *Entry, name string, child *Entry) {
	child.Ref()
	e.children[name] = child
	e.childOrder = append(e.childOrder, name)
	d.registry.Insert(child)
}

// removeChild drops the named child from a directory, releasing the
// parent's reference to it. REQUIRES e.Lock() held, e.isDir(), e
// materialized, and name present.
func (d *DirEngine) removeChild(e *Entry, name string) *Entry {
	child := e.children[name]
	delete(e.children, name)
	for i, n := range e.childOrder {
		if n == name {
			e.childOrder = append(e.childOrder[:i], e.childOrder[i+1:]...)
			break
		}
	}
	d.registry.Remove(child)
	child.Unref()
	return child
}

// republishLocked recomputes e's URI from its current children (or
// scratch file, for a regular file — see file.go) and uploads the
// result to the backend, replacing e.uri. A dirty child is recursively
// republished first — a directory child via d.republishLocked, a file
// child via the file engine — so the blob never bakes in a stale child
// URI (spec.md §4.4: "if the child is a directory, recursively
// upload_locked the child; propagate failure"). REQUIRES e.Lock() held,
// e.isDir(), e materialized, e.dirty.
func (d *DirEngine) republishLocked(ctx context.Context, e *Entry) error {
	entries := make([]store.DirEntry, 0, len(e.children))
	for _, name := range e.childOrder {
		c := e.children[name]
		c.Lock()

		if c.isDirty() {
			var err error
			if c.isDir() {
				err = d.republishLocked(ctx, c)
			} else {
				err = d.files.republishLocked(ctx, c)
			}
			if err != nil {
				c.Unlock()
				return err
			}
		}

		entries = append(entries, store.DirEntry{
			Name:  name,
			URI:   c.uri,
			IsDir: c.isDir(),
			Meta:  c.meta,
		})
		c.Unlock()
	}

	blob, err := d.backend.SerializeDir(entries)
	if err != nil {
		return newErr(KindIO, "republish", e.PathGet(), err)
	}

	u, err := d.backend.Upload(ctx, bytes.NewReader(blob), nil)
	if err != nil {
		return newErr(KindIO, "republish", e.PathGet(), fmt.Errorf("upload directory blob: %w", err))
	}

	e.uri = u
	e.dirty = false
	return nil
}

// onceWriterAt adapts a *bytes.Buffer (which only ever receives one
// sequential, non-overlapping write from Download in practice for
// directory blobs, which are read start-to-finish in one shot) to
// io.WriterAt.
type onceWriterAt struct {
	buf *bytes.Buffer
}

func (w onceWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if int64(w.buf.Len()) != off {
		// Directory blobs are downloaded in a single linear pass; a
		// non-contiguous write would indicate a backend bug.
		return 0, fmt.Errorf("tree: non-sequential directory blob write at offset %d, buffer at %d", off, w.buf.Len())
	}
	return w.buf.Write(p)
}
