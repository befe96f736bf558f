package tree_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/casfs/casfs/internal/store"
	"github.com/casfs/casfs/internal/tree"
	. "github.com/jacobsa/ogletest"
	"github.com/kylelemons/godebug/pretty"
)

func TestTree(t *testing.T) { RunTests(t) }

type TreeTest struct {
	ctx     context.Context
	dir     string
	backend *store.LocalBackend
	sidecar string
	tr      *tree.Tree
}

func init() { RegisterTestSuite(&TreeTest{}) }

func (t *TreeTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()

	var err error
	t.dir, err = os.MkdirTemp("", "casfs_tree_test_")
	AssertEq(nil, err)

	t.backend, err = store.NewLocalBackend(filepath.Join(t.dir, "store"))
	AssertEq(nil, err)

	t.sidecar = filepath.Join(t.dir, "root.uri")

	t.tr, err = tree.Open(tree.Options{
		Backend:     t.backend,
		SidecarPath: t.sidecar,
		ScratchDir:  filepath.Join(t.dir, "scratch"),
		ShowSpecial: true,
	})
	AssertEq(nil, err)
}

func (t *TreeTest) TearDown() {
	os.RemoveAll(t.dir)
}

func (t *TreeTest) FreshRootIsEmptyDirectory() {
	attr, err := t.tr.Lookup(t.ctx, "/")
	AssertEq(nil, err)
	ExpectEq(tree.KindDir, attr.Kind)

	ents, err := t.tr.ReadDir(t.ctx, "/")
	AssertEq(nil, err)
	ExpectEq(1, len(ents)) // just the synthetic ".uri"
	ExpectEq(".uri", ents[0].Name)
}

func (t *TreeTest) MknodThenWriteThenReadRoundTrips() {
	AssertEq(nil, t.tr.Mknod(t.ctx, "/hello.txt"))

	n, err := t.tr.WriteFile(t.ctx, "/hello.txt", []byte("hello, world"), 0)
	AssertEq(nil, err)
	ExpectEq(len("hello, world"), n)

	buf := make([]byte, 64)
	n, err = t.tr.ReadFile(t.ctx, "/hello.txt", buf, 0)
	AssertEq(nil, err)
	ExpectEq("hello, world", string(buf[:n]))
}

func (t *TreeTest) MkdirThenLookupNestedPath() {
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/a"))
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/a/b"))
	AssertEq(nil, t.tr.Mknod(t.ctx, "/a/b/c.txt"))

	attr, err := t.tr.Lookup(t.ctx, "/a/b/c.txt")
	AssertEq(nil, err)
	ExpectEq(tree.KindFile, attr.Kind)
}

func (t *TreeTest) MkdirOverExistingNameFails() {
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/dup"))
	err := t.tr.Mkdir(t.ctx, "/dup")
	AssertTrue(err != nil)
}

func (t *TreeTest) RmdirOnNonEmptyDirFails() {
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/full"))
	AssertEq(nil, t.tr.Mknod(t.ctx, "/full/f"))

	err := t.tr.Rmdir(t.ctx, "/full")
	AssertTrue(err != nil)
}

func (t *TreeTest) UnlinkRemovesEntry() {
	AssertEq(nil, t.tr.Mknod(t.ctx, "/gone.txt"))
	AssertEq(nil, t.tr.Unlink(t.ctx, "/gone.txt"))

	_, err := t.tr.Lookup(t.ctx, "/gone.txt")
	AssertTrue(err != nil)
}

func (t *TreeTest) RenameSameParentRenamesInPlace() {
	AssertEq(nil, t.tr.Mknod(t.ctx, "/old.txt"))
	AssertEq(nil, t.tr.Rename(t.ctx, "/old.txt", "/new.txt"))

	_, err := t.tr.Lookup(t.ctx, "/old.txt")
	ExpectTrue(err != nil)

	attr, err := t.tr.Lookup(t.ctx, "/new.txt")
	AssertEq(nil, err)
	ExpectEq(tree.KindFile, attr.Kind)
}

func (t *TreeTest) RenameCrossParentMoves() {
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/src"))
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/dst"))
	AssertEq(nil, t.tr.Mknod(t.ctx, "/src/f.txt"))

	AssertEq(nil, t.tr.Rename(t.ctx, "/src/f.txt", "/dst/f.txt"))

	_, err := t.tr.Lookup(t.ctx, "/src/f.txt")
	ExpectTrue(err != nil)

	attr, err := t.tr.Lookup(t.ctx, "/dst/f.txt")
	AssertEq(nil, err)
	ExpectEq(tree.KindFile, attr.Kind)
}

func (t *TreeTest) RenameIntoNestedSubdirectoryDoesNotDeadlock() {
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/a"))
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/a/sub"))
	AssertEq(nil, t.tr.Mknod(t.ctx, "/a/x.txt"))

	AssertEq(nil, t.tr.Rename(t.ctx, "/a/x.txt", "/a/sub/x.txt"))

	_, err := t.tr.Lookup(t.ctx, "/a/x.txt")
	ExpectTrue(err != nil)

	attr, err := t.tr.Lookup(t.ctx, "/a/sub/x.txt")
	AssertEq(nil, err)
	ExpectEq(tree.KindFile, attr.Kind)
}

func (t *TreeTest) PublishFileRepublishesDirtyFileAndMarksAncestorsDirty() {
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/d"))
	AssertEq(nil, t.tr.Mknod(t.ctx, "/d/f"))
	beforeRoot, err := t.tr.ResolveURI(t.ctx, "/")
	AssertEq(nil, err)

	_, err = t.tr.WriteFile(t.ctx, "/d/f", []byte("released"), 0)
	AssertEq(nil, err)

	AssertEq(nil, t.tr.PublishFile(t.ctx, "/d/f"))

	// The file itself is now clean: resolving its URI returns the value
	// PublishFile just published without another upload.
	fileURI, err := t.tr.ResolveURI(t.ctx, "/d/f")
	AssertEq(nil, err)
	ExpectFalse(fileURI == "")

	afterRoot, err := t.tr.ResolveURI(t.ctx, "/")
	AssertEq(nil, err)
	ExpectTrue(beforeRoot != afterRoot)
}

func (t *TreeTest) DotUriReadIsIdempotent() {
	AssertEq(nil, t.tr.Mknod(t.ctx, "/x.txt"))
	_, err := t.tr.WriteFile(t.ctx, "/x.txt", []byte("content"), 0)
	AssertEq(nil, err)

	u1, err := t.tr.ResolveURI(t.ctx, "/x.txt")
	AssertEq(nil, err)
	ExpectFalse(u1 == "")

	u2, err := t.tr.ResolveURI(t.ctx, "/x.txt")
	AssertEq(nil, err)
	ExpectEq(u1, u2)
}

func (t *TreeTest) WriteMarksAncestorsDirtyUpToRoot() {
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/d"))
	AssertEq(nil, t.tr.Mknod(t.ctx, "/d/f"))
	beforeRoot, err := t.tr.ResolveURI(t.ctx, "/")
	AssertEq(nil, err)

	_, err = t.tr.WriteFile(t.ctx, "/d/f", []byte("abc"), 0)
	AssertEq(nil, err)

	afterRoot, err := t.tr.ResolveURI(t.ctx, "/")
	AssertEq(nil, err)
	ExpectTrue(beforeRoot != afterRoot)
}

func (t *TreeTest) FlushPersistsSidecar() {
	AssertEq(nil, t.tr.Mknod(t.ctx, "/p.txt"))
	_, err := t.tr.WriteFile(t.ctx, "/p.txt", []byte("persisted"), 0)
	AssertEq(nil, err)

	AssertEq(nil, t.tr.Flush(t.ctx))

	data, err := os.ReadFile(t.sidecar)
	AssertEq(nil, err)
	ExpectTrue(len(data) > 0)
}

func (t *TreeTest) ReadDirListsChildrenInInsertionOrder() {
	AssertEq(nil, t.tr.Mknod(t.ctx, "/b"))
	AssertEq(nil, t.tr.Mknod(t.ctx, "/a"))
	AssertEq(nil, t.tr.Mkdir(t.ctx, "/c"))

	ents, err := t.tr.ReadDir(t.ctx, "/")
	AssertEq(nil, err)

	var names []string
	for _, e := range ents {
		if strings.HasPrefix(e.Name, ".uri") {
			continue
		}
		names = append(names, e.Name)
	}

	want := []string{"b", "a", "c"}
	ExpectEq("", pretty.Compare(want, names))
}

func (t *TreeTest) SweepScratchRemovesStaleFiles() {
	scratchDir := filepath.Join(t.dir, "scratch")
	AssertEq(nil, os.MkdirAll(scratchDir, 0o700))
	AssertEq(nil, os.WriteFile(filepath.Join(scratchDir, "casfs-scratch-stale"), []byte("x"), 0o600))

	n, err := t.tr.SweepScratch()
	AssertEq(nil, err)
	ExpectEq(1, n)

	_, statErr := os.Stat(filepath.Join(scratchDir, "casfs-scratch-stale"))
	ExpectTrue(os.IsNotExist(statErr))
}
