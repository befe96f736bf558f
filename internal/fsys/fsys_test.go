package fsys

import (
	"syscall"
	"testing"

	"github.com/casfs/casfs/internal/tree"
	"github.com/jacobsa/fuse/fuseops"
	. "github.com/jacobsa/ogletest"
)

func TestFsys(t *testing.T) { RunTests(t) }

type InodeIndexTest struct {
	idx *inodeIndex
}

func init() { RegisterTestSuite(&InodeIndexTest{}) }

func (t *InodeIndexTest) SetUp(ti *TestInfo) {
	t.idx = newInodeIndex()
}

func (t *InodeIndexTest) RootIsPreseeded() {
	p, ok := t.idx.path(fuseops.RootInodeID)
	AssertTrue(ok)
	ExpectEq("/", p)
}

func (t *InodeIndexTest) RefMintsStableIDsPerPath() {
	id1 := t.idx.ref("/a")
	id2 := t.idx.ref("/a")
	ExpectEq(id1, id2)

	id3 := t.idx.ref("/b")
	ExpectTrue(id3 != id1)
}

func (t *InodeIndexTest) ForgetRemovesAfterLastReference() {
	id := t.idx.ref("/a")
	t.idx.ref("/a") // two outstanding references

	_, gone := t.idx.forget(id, 1)
	ExpectFalse(gone)

	_, gone = t.idx.forget(id, 1)
	ExpectTrue(gone)

	_, ok := t.idx.path(id)
	ExpectFalse(ok)
}

func (t *InodeIndexTest) RenamePreservesID() {
	id := t.idx.ref("/old")
	t.idx.rename("/old", "/new")

	p, ok := t.idx.path(id)
	AssertTrue(ok)
	ExpectEq("/new", p)
}

type SpecialFileTargetTest struct{}

func init() { RegisterTestSuite(&SpecialFileTargetTest{}) }

func (t *SpecialFileTargetTest) BareUriRefersToContainingDir() {
	ref, self, ok := specialFileTarget("/a/.uri")
	AssertTrue(ok)
	ExpectTrue(self)
	ExpectEq("/a", ref)
}

func (t *SpecialFileTargetTest) NamedUriRefersToSibling() {
	ref, self, ok := specialFileTarget("/a/.uri.b")
	AssertTrue(ok)
	ExpectFalse(self)
	ExpectEq("/a/b", ref)
}

func (t *SpecialFileTargetTest) OrdinaryNameIsNotSpecial() {
	_, _, ok := specialFileTarget("/a/b")
	ExpectFalse(ok)
}

type ErrnoTest struct{}

func init() { RegisterTestSuite(&ErrnoTest{}) }

func (t *ErrnoTest) MapsEachKind() {
	cases := []struct {
		kind tree.ErrKind
		want syscall.Errno
	}{
		{tree.KindNotFound, syscall.ENOENT},
		{tree.KindExists, syscall.EEXIST},
		{tree.KindWrongKind, syscall.EISDIR},
		{tree.KindNotEmpty, syscall.ENOTEMPTY},
		{tree.KindUnsupported, syscall.ENOTSUP},
		{tree.KindShutdown, syscall.ESHUTDOWN},
		{tree.KindIO, syscall.EIO},
	}

	for _, c := range cases {
		err := tree.NewError(c.kind, "op", "/p")
		ExpectEq(c.want, errno(err))
	}
}

func (t *ErrnoTest) NilIsNil() {
	ExpectEq(nil, errno(nil))
}
