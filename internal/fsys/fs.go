// Package fsys bridges internal/tree's path-addressed operations to the
// jacobsa/fuse kernel protocol: it is the only place in the module that
// knows about InodeID, HandleID, or POSIX errno (spec component C8's
// carrier, plus the inode/handle bookkeeping the spec leaves to the
// host FUSE binding).
package fsys

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/casfs/casfs/internal/tree"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// attrTTL is how long the kernel may cache attributes and dentries
// without revalidating. The tree can mutate from underneath any given
// FUSE request (another path write, a `.uri` republish), so unlike the
// teacher's memfs we keep this short rather than "forever".
const attrTTL = time.Second

// FS implements fuseutil.FileSystem over an internal/tree.Tree.
type FS struct {
	fuseutil.NotImplementedFileSystem

	tree     *tree.Tree
	clock    timeutil.Clock
	idx      *inodeIndex
	statfsOn string // directory to statfs(2) for StatFS; "" disables it

	uid uint32
	gid uint32

	handleMu   sync.Mutex
	nextHandle fuseops.HandleID
	dirHandles map[fuseops.HandleID]*dirHandle
}

type dirHandle struct {
	entries []tree.DirEnt
}

var _ fuseutil.FileSystem = (*FS)(nil)

// New constructs an FS serving t. statfsOn, if non-empty, names a
// directory on the backing filesystem (the blob store's root) that
// StatFS reports capacity for via statfs(2).
func New(t *tree.Tree, clock timeutil.Clock, statfsOn string) *FS {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &FS{
		tree:       t,
		clock:      clock,
		idx:        newInodeIndex(),
		statfsOn:   statfsOn,
		dirHandles: make(map[fuseops.HandleID]*dirHandle),
	}
}

func (fs *FS) mintHandle() fuseops.HandleID {
	fs.handleMu.Lock()
	defer fs.handleMu.Unlock()
	fs.nextHandle++
	return fs.nextHandle
}

////////////////////////////////////////////////////////////////////////
// Mount lifecycle
////////////////////////////////////////////////////////////////////////

func (fs *FS) Init(ctx context.Context, op *fuseops.InitOp) error {
	fs.uid = uint32(os.Getuid())
	fs.gid = uint32(os.Getgid())
	return nil
}

func (fs *FS) Destroy() {}

// StatFS reports capacity of the directory backing the blob store, not
// of the synthetic tree itself, so that du/df-style tools see real free
// space rather than a meaningless constant (matching the guidance in
// fuseops.StatFSOp that OS X refuses to mount without a sane reading).
func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	if fs.statfsOn == "" {
		op.BlockSize = 4096
		op.IoSize = 4096
		return nil
	}

	var st unix.Statfs_t
	if err := unix.Statfs(fs.statfsOn, &st); err != nil {
		return nil // best effort; an unreadable store dir shouldn't fail the mount
	}

	op.BlockSize = uint32(st.Bsize)
	op.IoSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

func (fs *FS) attrsFor(attr tree.Attr, path string) fuseops.InodeAttributes {
	now := fs.clock.Now()

	mode := os.FileMode(0644)
	if attr.Kind == tree.KindDir {
		mode = os.ModeDir | 0755
	}

	return fuseops.InodeAttributes{
		Size:  uint64(attr.Size),
		Nlink: 1,
		Mode:  mode,
		Atime: now,
		Mtime: now,
		Ctime: now,
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, ok := fs.idx.path(op.Parent)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	childPath := joinChild(parentPath, op.Name)
	attr, err := fs.tree.Lookup(ctx, childPath)
	if err != nil {
		return errno(err)
	}

	id := fs.idx.ref(childPath)
	op.Entry = fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           fs.attrsFor(attr, childPath),
		AttributesExpiration: fs.clock.Now().Add(attrTTL),
		EntryExpiration:      fs.clock.Now().Add(attrTTL),
	}
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	path, ok := fs.idx.path(op.Inode)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	attr, err := fs.tree.Lookup(ctx, path)
	if err != nil {
		return errno(err)
	}

	op.Attributes = fs.attrsFor(attr, path)
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
	return nil
}

func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	path, ok := fs.idx.path(op.Inode)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	if op.Size != nil {
		if err := fs.tree.Truncate(ctx, path, int64(*op.Size)); err != nil {
			return errno(err)
		}
	}

	attr, err := fs.tree.Lookup(ctx, path)
	if err != nil {
		return errno(err)
	}
	op.Attributes = fs.attrsFor(attr, path)
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
	return nil
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	path, gone := fs.idx.forget(op.Inode, op.N)
	if gone && path != "" {
		fs.tree.Release(path)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parentPath, ok := fs.idx.path(op.Parent)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	childPath := joinChild(parentPath, op.Name)
	if err := fs.tree.Mkdir(ctx, childPath); err != nil {
		return errno(err)
	}

	attr, err := fs.tree.Lookup(ctx, childPath)
	if err != nil {
		return errno(err)
	}

	id := fs.idx.ref(childPath)
	op.Entry = fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           fs.attrsFor(attr, childPath),
		AttributesExpiration: fs.clock.Now().Add(attrTTL),
		EntryExpiration:      fs.clock.Now().Add(attrTTL),
	}
	return nil
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parentPath, ok := fs.idx.path(op.Parent)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	childPath := joinChild(parentPath, op.Name)
	if err := fs.tree.Mknod(ctx, childPath); err != nil {
		return errno(err)
	}

	attr, err := fs.tree.Lookup(ctx, childPath)
	if err != nil {
		return errno(err)
	}

	id := fs.idx.ref(childPath)
	op.Entry = fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           fs.attrsFor(attr, childPath),
		AttributesExpiration: fs.clock.Now().Add(attrTTL),
		EntryExpiration:      fs.clock.Now().Add(attrTTL),
	}
	op.Handle = fuseops.HandleID(id)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////////

func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentPath, ok := fs.idx.path(op.Parent)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}
	return errno(fs.tree.Rmdir(ctx, joinChild(parentPath, op.Name)))
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentPath, ok := fs.idx.path(op.Parent)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}
	return errno(fs.tree.Unlink(ctx, joinChild(parentPath, op.Name)))
}

func (fs *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fs.idx.path(op.OldParent)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}
	newParent, ok := fs.idx.path(op.NewParent)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	oldPath := joinChild(oldParent, op.OldName)
	newPath := joinChild(newParent, op.NewName)

	if err := fs.tree.Rename(ctx, oldPath, newPath); err != nil {
		return errno(err)
	}
	fs.idx.rename(oldPath, newPath)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	path, ok := fs.idx.path(op.Inode)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	entries, err := fs.tree.ReadDir(ctx, path)
	if err != nil {
		return errno(err)
	}

	h := fs.mintHandle()
	fs.handleMu.Lock()
	fs.dirHandles[h] = &dirHandle{entries: entries}
	fs.handleMu.Unlock()

	op.Handle = h
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.handleMu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.handleMu.Unlock()
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	path, _ := fs.idx.path(op.Inode)

	var n int
	for i := int(op.Offset); i < len(dh.entries); i++ {
		e := dh.entries[i]
		childPath := joinChild(path, e.Name)
		id := fs.idx.ref(childPath)
		fs.idx.forget(id, 1) // readdir does not itself pin a lookup reference

		dtype := fuseutil.DT_File
		if e.Kind == tree.KindDir {
			dtype = fuseutil.DT_Directory
		}

		written := fuseutil.WriteDirent(op.Dst[n:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  id,
			Name:   e.Name,
			Type:   dtype,
		})
		if written == 0 {
			break
		}
		n += written
	}

	op.BytesRead = n
	return nil
}

func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.handleMu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.handleMu.Unlock()
	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	_, ok := fs.idx.path(op.Inode)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}
	op.Handle = fuseops.HandleID(op.Inode)
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	path, ok := fs.idx.path(op.Inode)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	if target, self, sok := specialFileTarget(path); sok {
		data, err := fs.readSpecial(ctx, target, self)
		if err != nil {
			return errno(err)
		}
		op.BytesRead = copyAt(op.Dst, data, op.Offset)
		return nil
	}

	n, err := fs.tree.ReadFile(ctx, path, op.Dst, op.Offset)
	if err != nil {
		return errno(err)
	}
	op.BytesRead = n
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	path, ok := fs.idx.path(op.Inode)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}

	_, err := fs.tree.WriteFile(ctx, path, op.Data, op.Offset)
	return errno(err)
}

func (fs *FS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	path, ok := fs.idx.path(op.Inode)
	if !ok {
		return errno(tree.NewError(tree.KindNotFound, "fsys", ""))
	}
	if path == "/" {
		return errno(fs.tree.Flush(ctx))
	}
	_, err := fs.tree.ResolveURI(ctx, path)
	return errno(err)
}

func (fs *FS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	path, ok := fs.idx.path(op.Inode)
	if !ok {
		return nil
	}
	if _, _, sok := specialFileTarget(path); sok {
		return nil
	}
	return errno(fs.tree.PublishFile(ctx, path))
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func joinChild(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func copyAt(dst, src []byte, off int64) int {
	if off >= int64(len(src)) {
		return 0
	}
	return copy(dst, src[off:])
}
