package fsys

import (
	"sync"

	"github.com/jacobsa/fuse/fuseops"
)

// inodeIndex is the bidirectional path <-> fuseops.InodeID map (spec.md
// §5, "InodeID<->path bridge"). The tree package knows nothing of
// InodeIDs; this is the only place that mints and forgets them, mirror
// of the teacher's memfs inode table but keyed by path instead of
// holding inode state itself (state lives in internal/tree.Entry).
type inodeIndex struct {
	mu       sync.Mutex
	byPath   map[string]fuseops.InodeID
	byInode  map[fuseops.InodeID]string
	lookups  map[fuseops.InodeID]int // outstanding kernel references
	nextFree fuseops.InodeID
}

func newInodeIndex() *inodeIndex {
	idx := &inodeIndex{
		byPath:   make(map[string]fuseops.InodeID),
		byInode:  make(map[fuseops.InodeID]string),
		lookups:  make(map[fuseops.InodeID]int),
		nextFree: fuseops.RootInodeID + 1,
	}
	idx.byPath["/"] = fuseops.RootInodeID
	idx.byInode[fuseops.RootInodeID] = "/"
	idx.lookups[fuseops.RootInodeID] = 1
	return idx
}

// ref returns the InodeID for path and records one more kernel
// reference to it, minting a new ID (with a count of one) if this is the
// first time path has been seen (or the first time since it was last
// fully forgotten).
func (idx *inodeIndex) ref(path string) fuseops.InodeID {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if id, ok := idx.byPath[path]; ok {
		idx.lookups[id]++
		return id
	}

	id := idx.nextFree
	idx.nextFree++
	idx.byPath[path] = id
	idx.byInode[id] = path
	idx.lookups[id] = 1
	return id
}

// path returns the path currently associated with id, if any.
func (idx *inodeIndex) path(id fuseops.InodeID) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	p, ok := idx.byInode[id]
	return p, ok
}

// rename updates the index entry for an inode whose path changed
// underneath it (internal/tree already applied the rename; this keeps
// the InodeID stable across it, matching FUSE's expectation that an
// open file's inode identity survives a rename).
func (idx *inodeIndex) rename(oldPath, newPath string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.byPath[oldPath]
	if !ok {
		return
	}
	delete(idx.byPath, oldPath)
	idx.byPath[newPath] = id
	idx.byInode[id] = newPath
}

// forget drops n outstanding references to id (ForgetInodeOp), removing
// the index entry entirely once the count reaches zero.
func (idx *inodeIndex) forget(id fuseops.InodeID, n int) (path string, gone bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.lookups[id] -= n
	path = idx.byInode[id]
	if idx.lookups[id] <= 0 {
		delete(idx.lookups, id)
		delete(idx.byInode, id)
		delete(idx.byPath, path)
		return path, true
	}
	return path, false
}
