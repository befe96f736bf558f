// Package tree implements the in-memory, path-addressed cache over a
// content-addressed backend: the entry registry, the path-lock
// protocol, and the directory/file engines that materialize and
// republish entries against a store.Backend.
package tree

import (
	"context"
	"fmt"
	"os"

	"github.com/casfs/casfs/internal/store"
	"github.com/jacobsa/timeutil"
)

// Attr is the subset of entry state an fsys caller needs to answer a
// GetAttr/Lookup/ReadDir request, decoupled from the Entry type itself
// so internal/fsys never reaches past the entry lock.
type Attr struct {
	Kind    Kind
	Size    int64
	URI     string
	Special bool
}

// Tree is the top-level facade (spec components C2–C8 wired together).
// internal/fsys calls exactly these methods; it never touches Entry,
// Registry, DirEngine or FileEngine directly.
type Tree struct {
	backend  store.Backend
	clock    timeutil.Clock
	registry *Registry
	dirs     *DirEngine
	files    *FileEngine
	scratch  *scratchDir

	root        *Entry
	sidecarPath string
	showSpecial bool
}

// Options configures a Tree at mount time.
type Options struct {
	Backend     store.Backend
	Clock       timeutil.Clock
	SidecarPath string
	ScratchDir  string
	ShowSpecial bool
}

// Open constructs a Tree, loading the mount root's URI from the sidecar
// file if it exists, or seeding a fresh empty directory as the root
// otherwise (spec.md §5: "mount-root URI persisted in a sidecar file").
func Open(opts Options) (*Tree, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock()
	}

	scratch, err := newScratchDir(opts.ScratchDir)
	if err != nil {
		return nil, err
	}

	registry := newRegistry()

	rootURI, err := readSidecar(opts.SidecarPath)
	if err != nil {
		return nil, fmt.Errorf("tree: read sidecar: %w", err)
	}
	if rootURI.Nil() {
		rootURI = opts.Backend.EmptyDirURI()
	}

	root := newEntry(opts.Clock, opts.Backend, "/", KindDir, rootURI, nil, false)
	root.isRoot = true
	root.Ref() // the Tree itself holds the root's only reference
	registry.Insert(root)

	files := newFileEngine(opts.Backend, opts.Clock, scratch)
	t := &Tree{
		backend:     opts.Backend,
		clock:       opts.Clock,
		registry:    registry,
		dirs:        newDirEngine(opts.Backend, opts.Clock, registry, files),
		files:       files,
		scratch:     scratch,
		root:        root,
		sidecarPath: opts.SidecarPath,
		showSpecial: opts.ShowSpecial,
	}
	return t, nil
}

// SweepScratch removes stale scratch files left behind by a prior,
// uncleanly terminated mount. Callers should invoke this once, right
// after Open, before serving any FUSE requests.
func (t *Tree) SweepScratch() (int, error) {
	return t.scratch.sweep()
}

// RootURI returns the mount root's last published URI without
// republishing a dirty root (ResolveURI("/") republishes first).
func (t *Tree) RootURI() string {
	t.root.Lock()
	defer t.root.Unlock()
	return t.root.uri.String()
}

////////////////////////////////////////////////////////////////////////
// Lookup / attributes
////////////////////////////////////////////////////////////////////////

// Lookup resolves p and reports its attributes.
func (t *Tree) Lookup(ctx context.Context, p string) (Attr, error) {
	if target, self, ok := specialTarget(lastComponent(p)); ok && t.showSpecial {
		return t.lookupSpecial(ctx, p, target, self)
	}

	e, err := t.walk(ctx, p)
	if err != nil {
		return Attr{}, err
	}
	defer e.Unref()

	return t.attrOf(ctx, e)
}

func (t *Tree) lookupSpecial(ctx context.Context, p, target string, self bool) (Attr, error) {
	var refPath string
	if self {
		refPath = parentPath(p)
	} else {
		refPath = joinChild(parentPath(p), target)
	}

	e, err := t.walk(ctx, refPath)
	if err != nil {
		return Attr{}, err
	}
	defer e.Unref()

	uri, err := t.resolveURILocked(ctx, e)
	if err != nil {
		return Attr{}, err
	}
	return Attr{Kind: KindFile, Size: int64(len(uri)) + 1, URI: uri, Special: true}, nil
}

func (t *Tree) attrOf(ctx context.Context, e *Entry) (Attr, error) {
	e.Lock()
	defer e.Unlock()

	if e.isDir() {
		if err := t.dirs.materializeLocked(ctx, e); err != nil {
			return Attr{}, err
		}
		return Attr{Kind: KindDir, URI: e.uri.String()}, nil
	}

	size, err := t.files.sizeLocked(ctx, e)
	if err != nil {
		return Attr{}, err
	}
	return Attr{Kind: KindFile, Size: size, URI: e.uri.String()}, nil
}

// ResolveURI forces republication of p (if dirty) and returns its
// canonical URI, the content of a `.uri`/`.uri.NAME` read (spec.md
// §5, "idempotent .uri reads").
func (t *Tree) ResolveURI(ctx context.Context, p string) (string, error) {
	e, err := t.walk(ctx, p)
	if err != nil {
		return "", err
	}
	defer e.Unref()
	return t.resolveURILocked(ctx, e)
}

func (t *Tree) resolveURILocked(ctx context.Context, e *Entry) (string, error) {
	e.Lock()
	defer e.Unlock()

	if !e.dirty {
		return e.uri.String(), nil
	}

	if e.isDir() {
		if err := t.dirs.republishLocked(ctx, e); err != nil {
			return "", err
		}
	} else {
		if err := t.files.republishLocked(ctx, e); err != nil {
			return "", err
		}
	}
	return e.uri.String(), nil
}

////////////////////////////////////////////////////////////////////////
// ReadDir
////////////////////////////////////////////////////////////////////////

// DirEnt is one entry returned by ReadDir.
type DirEnt struct {
	Name string
	Kind Kind
}

// ReadDir lists p's children, appending the `.uri` synthetic entries
// when configured to do so.
func (t *Tree) ReadDir(ctx context.Context, p string) ([]DirEnt, error) {
	e, err := t.walk(ctx, p)
	if err != nil {
		return nil, err
	}
	defer e.Unref()

	e.Lock()
	defer e.Unlock()

	if !e.isDir() {
		return nil, newErr(KindWrongKind, "readdir", p, nil)
	}
	if err := t.dirs.materializeLocked(ctx, e); err != nil {
		return nil, err
	}

	out := make([]DirEnt, 0, len(e.childOrder)+1)
	if t.showSpecial {
		out = append(out, DirEnt{Name: specialPrefix, Kind: KindFile})
	}
	t.dirs.foreach(e, func(name string, child *Entry) {
		out = append(out, DirEnt{Name: name, Kind: child.kind})
		if t.showSpecial {
			out = append(out, DirEnt{Name: specialPrefix + "." + name, Kind: KindFile})
		}
	})
	return out, nil
}

////////////////////////////////////////////////////////////////////////
// Mutation: Mkdir / Mknod / Unlink / Rmdir / Rename
////////////////////////////////////////////////////////////////////////

// Mkdir creates an empty directory at p.
func (t *Tree) Mkdir(ctx context.Context, p string) error {
	pl, name, err := t.lockParent(ctx, p)
	if err != nil {
		return err
	}

	parent := pl.Leaf()
	if isSpecialName(name) {
		pl.Unlock(DirtyNone)
		return newErr(KindUnsupported, "mkdir", p, nil)
	}
	if _, ok := parent.children[name]; ok {
		pl.Unlock(DirtyNone)
		return newErr(KindExists, "mkdir", p, nil)
	}

	child := newEntry(t.clock, t.backend, joinChild(parent.PathGet(), name), KindDir, t.backend.EmptyDirURI(), nil, false)
	t.dirs.insertChild(parent, name, child)

	pl.Unlock(DirtyAll)
	return nil
}

// Mknod creates an empty regular file at p.
func (t *Tree) Mknod(ctx context.Context, p string) error {
	pl, name, err := t.lockParent(ctx, p)
	if err != nil {
		return err
	}

	parent := pl.Leaf()
	if isSpecialName(name) {
		pl.Unlock(DirtyNone)
		return newErr(KindUnsupported, "mknod", p, nil)
	}
	if _, ok := parent.children[name]; ok {
		pl.Unlock(DirtyNone)
		return newErr(KindExists, "mknod", p, nil)
	}

	child := newEntry(t.clock, t.backend, joinChild(parent.PathGet(), name), KindFile, t.backend.EmptyFileURI(), nil, false)
	t.dirs.insertChild(parent, name, child)

	pl.Unlock(DirtyAll)
	return nil
}

// Unlink removes a regular file entry at p.
func (t *Tree) Unlink(ctx context.Context, p string) error {
	return t.removeLeaf(ctx, p, KindFile)
}

// Rmdir removes an empty directory entry at p.
func (t *Tree) Rmdir(ctx context.Context, p string) error {
	return t.removeLeaf(ctx, p, KindDir)
}

func (t *Tree) removeLeaf(ctx context.Context, p string, want Kind) error {
	pl, name, err := t.lockParent(ctx, p)
	if err != nil {
		return err
	}
	parent := pl.Leaf()

	if isSpecialName(name) {
		pl.Unlock(DirtyNone)
		return newErr(KindUnsupported, "remove", p, nil)
	}

	child, ok := parent.children[name]
	if !ok {
		pl.Unlock(DirtyNone)
		return newErr(KindNotFound, "remove", p, nil)
	}

	child.Lock()
	wrongKind := child.kind != want
	var notEmpty bool
	if want == KindDir {
		if err := t.dirs.materializeLocked(ctx, child); err != nil {
			child.Unlock()
			pl.Unlock(DirtyNone)
			return err
		}
		notEmpty = len(child.childOrder) > 0
	}
	child.Unlock()

	if wrongKind {
		pl.Unlock(DirtyNone)
		return newErr(KindWrongKind, "remove", p, nil)
	}
	if notEmpty {
		pl.Unlock(DirtyNone)
		return newErr(KindNotEmpty, "remove", p, nil)
	}

	t.dirs.removeChild(parent, name)
	pl.Unlock(DirtyAll)
	return nil
}

// Rename moves the entry at oldPath to newPath, holding the parent
// directories' path locks for the whole move. With one parent this is
// a single lockPath; with two parents where one contains the other,
// only the deeper parent's path is locked; otherwise the two parent
// paths are locked in lexicographic order of the paths (not source
// first), and each chain is released root-to-leaf.
func (t *Tree) Rename(ctx context.Context, oldPath, newPath string) error {
	if isSpecialName(lastComponent(oldPath)) || isSpecialName(lastComponent(newPath)) {
		return newErr(KindUnsupported, "rename", oldPath, nil)
	}

	srcParentPath := parentPath(oldPath)
	dstParentPath := parentPath(newPath)

	if srcParentPath == dstParentPath {
		return t.renameSameParent(ctx, srcParentPath, lastComponent(oldPath), lastComponent(newPath))
	}
	return t.renameCrossParent(ctx, srcParentPath, lastComponent(oldPath), dstParentPath, lastComponent(newPath))
}

func (t *Tree) renameSameParent(ctx context.Context, parentDir, oldName, newName string) error {
	pl, err := t.lockPath(ctx, parentDir)
	if err != nil {
		return err
	}
	parent := pl.Leaf()

	child, ok := parent.children[oldName]
	if !ok {
		pl.Unlock(DirtyNone)
		return newErr(KindNotFound, "rename", joinChild(parentDir, oldName), nil)
	}
	if existing, ok := parent.children[newName]; ok {
		if existing.isDir() {
			pl.Unlock(DirtyNone)
			return newErr(KindExists, "rename", joinChild(parentDir, newName), nil)
		}
		t.dirs.removeChild(parent, newName)
	}

	delete(parent.children, oldName)
	for i, n := range parent.childOrder {
		if n == oldName {
			parent.childOrder[i] = newName
			break
		}
	}
	parent.children[newName] = child
	t.registry.Remove(child)
	child.PathSet(joinChild(parentDir, newName))
	t.registry.Insert(child)

	pl.Unlock(DirtyAll)
	return nil
}

func (t *Tree) renameCrossParent(ctx context.Context, srcDir, oldName, dstDir, newName string) error {
	// One parent may be an ancestor directory of the other (e.g. renaming
	// /a/x into /a/sub/x): locking both independently would re-lock the
	// shared ancestor entry twice on this goroutine and deadlock against
	// itself. When that happens, lock only the deeper path — its chain
	// already holds the shallower directory's lock — and unlock once.
	if isAncestorDir(srcDir, dstDir) || isAncestorDir(dstDir, srcDir) {
		return t.renameNestedParents(ctx, srcDir, oldName, dstDir, newName)
	}

	// Otherwise lock in a fixed global order (lexicographic on path) to
	// prevent the classic two-directory deadlock.
	first, second := srcDir, dstDir
	swapped := false
	if dstDir < srcDir {
		first, second = dstDir, srcDir
		swapped = true
	}

	pl1, err := t.lockPath(ctx, first)
	if err != nil {
		return err
	}
	pl2, err := t.lockPath(ctx, second)
	if err != nil {
		pl1.Unlock(DirtyNone)
		return err
	}

	var srcPL, dstPL *PathLock
	if swapped {
		dstPL, srcPL = pl1, pl2
	} else {
		srcPL, dstPL = pl1, pl2
	}

	srcParent := srcPL.Leaf()
	dstParent := dstPL.Leaf()

	child, ok := srcParent.children[oldName]
	if !ok {
		srcPL.Unlock(DirtyNone)
		dstPL.Unlock(DirtyNone)
		return newErr(KindNotFound, "rename", joinChild(srcDir, oldName), nil)
	}
	if existing, ok := dstParent.children[newName]; ok {
		if existing.isDir() {
			srcPL.Unlock(DirtyNone)
			dstPL.Unlock(DirtyNone)
			return newErr(KindExists, "rename", joinChild(dstDir, newName), nil)
		}
		t.dirs.removeChild(dstParent, newName)
	}

	delete(srcParent.children, oldName)
	for i, n := range srcParent.childOrder {
		if n == oldName {
			srcParent.childOrder = append(srcParent.childOrder[:i], srcParent.childOrder[i+1:]...)
			break
		}
	}
	t.registry.Remove(child)

	child.PathSet(joinChild(dstDir, newName))
	dstParent.children[newName] = child
	dstParent.childOrder = append(dstParent.childOrder, newName)
	t.registry.Insert(child)

	// Both directories changed; mark both chains dirty. Order of
	// release still follows each chain's own root-to-leaf order.
	if swapped {
		dstPL.Unlock(DirtyAll)
		srcPL.Unlock(DirtyAll)
	} else {
		srcPL.Unlock(DirtyAll)
		dstPL.Unlock(DirtyAll)
	}
	return nil
}

// isAncestorDir reports whether ancestor is a (strict) ancestor directory
// of p: either the root, or a proper path prefix of p ending at a "/"
// boundary.
func isAncestorDir(ancestor, p string) bool {
	if ancestor == p {
		return false
	}
	if ancestor == "/" {
		return true
	}
	return len(p) > len(ancestor) && p[:len(ancestor)] == ancestor && p[len(ancestor)] == '/'
}

// chainIndex returns the index within a PathLock's chain (built for some
// path under dir's subtree) at which dir's own entry appears. REQUIRES
// dir to be "/" or a prefix of the path the chain was built for.
func chainIndex(dir string) int {
	if dir == "/" {
		return 0
	}
	return len(splitPath(dir))
}

// renameNestedParents handles a cross-parent rename where one parent
// directory is an ancestor of the other, locking only the deeper path's
// full chain (which already covers the shallower directory) rather than
// locking both independently.
func (t *Tree) renameNestedParents(ctx context.Context, srcDir, oldName, dstDir, newName string) error {
	srcIsAncestor := isAncestorDir(srcDir, dstDir)
	deeper := dstDir
	if !srcIsAncestor {
		deeper = srcDir
	}

	pl, err := t.lockPath(ctx, deeper)
	if err != nil {
		return err
	}

	var srcParent, dstParent *Entry
	if srcIsAncestor {
		srcParent = pl.chain[chainIndex(srcDir)]
		dstParent = pl.Leaf()
	} else {
		srcParent = pl.Leaf()
		dstParent = pl.chain[chainIndex(dstDir)]
	}

	child, ok := srcParent.children[oldName]
	if !ok {
		pl.Unlock(DirtyNone)
		return newErr(KindNotFound, "rename", joinChild(srcDir, oldName), nil)
	}
	if existing, ok := dstParent.children[newName]; ok {
		if existing.isDir() {
			pl.Unlock(DirtyNone)
			return newErr(KindExists, "rename", joinChild(dstDir, newName), nil)
		}
		t.dirs.removeChild(dstParent, newName)
	}

	delete(srcParent.children, oldName)
	for i, n := range srcParent.childOrder {
		if n == oldName {
			srcParent.childOrder = append(srcParent.childOrder[:i], srcParent.childOrder[i+1:]...)
			break
		}
	}
	t.registry.Remove(child)

	child.PathSet(joinChild(dstDir, newName))
	dstParent.children[newName] = child
	dstParent.childOrder = append(dstParent.childOrder, newName)
	t.registry.Insert(child)

	// A single chain covers both directories; marking it all dirty is
	// conservative (it also dirties any intermediate directories between
	// the two parents) but correct, and releases root-to-leaf exactly
	// like the two-chain case.
	pl.Unlock(DirtyAll)
	return nil
}

////////////////////////////////////////////////////////////////////////
// File I/O
////////////////////////////////////////////////////////////////////////

// ReadFile reads up to len(buf) bytes from p at off.
func (t *Tree) ReadFile(ctx context.Context, p string, buf []byte, off int64) (int, error) {
	e, err := t.walk(ctx, p)
	if err != nil {
		return 0, err
	}
	defer e.Unref()

	e.Lock()
	defer e.Unlock()
	if !e.isFile() {
		return 0, newErr(KindWrongKind, "read", p, nil)
	}
	return t.files.readAtLocked(ctx, e, buf, off)
}

// WriteFile writes buf into p at off, marking p and its ancestors dirty.
func (t *Tree) WriteFile(ctx context.Context, p string, buf []byte, off int64) (int, error) {
	pl, err := t.lockPath(ctx, p)
	if err != nil {
		return 0, err
	}
	e := pl.Leaf()

	if !e.isFile() {
		pl.Unlock(DirtyNone)
		return 0, newErr(KindWrongKind, "write", p, nil)
	}

	n, err := t.files.writeAtLocked(ctx, e, buf, off)
	if err != nil {
		pl.Unlock(DirtyNone)
		return n, err
	}

	pl.Unlock(DirtyAll)
	return n, nil
}

// Truncate resizes p's content.
func (t *Tree) Truncate(ctx context.Context, p string, size int64) error {
	pl, err := t.lockPath(ctx, p)
	if err != nil {
		return err
	}
	e := pl.Leaf()

	if !e.isFile() {
		pl.Unlock(DirtyNone)
		return newErr(KindWrongKind, "truncate", p, nil)
	}

	if err := t.files.truncateLocked(ctx, e, size); err != nil {
		pl.Unlock(DirtyNone)
		return err
	}

	pl.Unlock(DirtyAll)
	return nil
}

// PublishFile republishes p if dirty, so that a closed file handle's
// writes are visible in the backend immediately rather than only on the
// next `.uri` read (spec.md §4.7/§6: "release-of-a-file ... republishes
// the file; the file itself becomes clean (new URI) but its ancestors
// are now stale"). internal/fsys calls this from ReleaseFileHandle.
func (t *Tree) PublishFile(ctx context.Context, p string) error {
	pl, err := t.lockPath(ctx, p)
	if err != nil {
		return err
	}
	e := pl.Leaf()

	if !e.isFile() {
		pl.Unlock(DirtyNone)
		return newErr(KindWrongKind, "release", p, nil)
	}
	if !e.dirty {
		pl.Unlock(DirtyNone)
		return nil
	}

	if err := t.files.republishLocked(ctx, e); err != nil {
		pl.Unlock(DirtyNone)
		return err
	}

	pl.Unlock(DirtyAncestors)
	return nil
}

// Release drops the in-memory reference a successful Lookup/Mknod took
// implicitly on behalf of an open file handle; internal/fsys calls this
// once per FUSE ForgetInode.
func (t *Tree) Release(p string) {
	if e, ok := t.registry.Get(p); ok {
		e.Unref()
	}
}

////////////////////////////////////////////////////////////////////////
// Mount-root persistence
////////////////////////////////////////////////////////////////////////

// Flush forces the entire tree's pending dirty state to be republished,
// root included, and persists the resulting mount-root URI to the
// sidecar file. Callers invoke this on a fsync of "/" and at clean
// unmount.
func (t *Tree) Flush(ctx context.Context) error {
	uri, err := t.resolveURILocked(ctx, t.root)
	if err != nil {
		return err
	}
	return writeSidecar(t.sidecarPath, uri)
}

func lastComponent(p string) string {
	c := splitPath(p)
	if len(c) == 0 {
		return ""
	}
	return c[len(c)-1]
}

func parentPath(p string) string {
	c := splitPath(p)
	if len(c) <= 1 {
		return "/"
	}
	return joinPath(c, len(c)-1)
}

////////////////////////////////////////////////////////////////////////
// Sidecar file
////////////////////////////////////////////////////////////////////////

func readSidecar(path string) (store.URI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store.URI{}, nil
		}
		return store.URI{}, err
	}
	return store.ParseURI(string(trimNewline(data)))
}

func writeSidecar(path string, uri string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(uri+"\n"), 0o600); err != nil {
		return fmt.Errorf("tree: write sidecar: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("tree: write sidecar: %w", err)
	}
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
