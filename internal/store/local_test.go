package store_test

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/casfs/casfs/internal/store"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestLocalBackend(t *testing.T) { RunTests(t) }

type LocalBackendTest struct {
	dir string
	b   *store.LocalBackend
}

func init() { RegisterTestSuite(&LocalBackendTest{}) }

func (t *LocalBackendTest) SetUp(ti *TestInfo) {
	var err error

	t.dir, err = os.MkdirTemp("", "casfs_store_test_")
	AssertEq(nil, err)

	t.b, err = store.NewLocalBackend(t.dir)
	AssertEq(nil, err)
}

func (t *LocalBackendTest) TearDown() {
	os.RemoveAll(t.dir)
}

func (t *LocalBackendTest) UploadIsContentAddressed() {
	ctx := context.Background()

	u1, err := t.b.Upload(ctx, bytes.NewReader([]byte("hello")), nil)
	AssertEq(nil, err)

	u2, err := t.b.Upload(ctx, bytes.NewReader([]byte("hello")), nil)
	AssertEq(nil, err)

	ExpectEq(u1.String(), u2.String())

	u3, err := t.b.Upload(ctx, bytes.NewReader([]byte("goodbye")), nil)
	AssertEq(nil, err)
	ExpectTrue(u1.String() != u3.String())
}

func (t *LocalBackendTest) DownloadRoundTrips() {
	ctx := context.Background()

	want := []byte("the quick brown fox")
	u, err := t.b.Upload(ctx, bytes.NewReader(want), nil)
	AssertEq(nil, err)

	got := make([]byte, len(want))
	n, err := t.b.Download(ctx, u, sliceWriterAt(got), 0, int64(len(want)))
	AssertEq(nil, err)
	ExpectEq(len(want), n)
	ExpectThat(got, DeepEquals(want))
}

func (t *LocalBackendTest) DownloadPastEOFIsShort() {
	ctx := context.Background()

	want := []byte("short")
	u, err := t.b.Upload(ctx, bytes.NewReader(want), nil)
	AssertEq(nil, err)

	buf := make([]byte, 64)
	n, err := t.b.Download(ctx, u, sliceWriterAt(buf), 0, 64)
	AssertEq(nil, err)
	ExpectEq(len(want), n)
}

func (t *LocalBackendTest) EmptyFileAndDirAreDistinctSeeds() {
	ExpectTrue(t.b.EmptyFileURI().String() != t.b.EmptyDirURI().String())
	ExpectFalse(t.b.EmptyDirURI().Nil())
	ExpectFalse(t.b.EmptyFileURI().Nil())
}

func (t *LocalBackendTest) DirBlobRoundTrips() {
	entries := []store.DirEntry{
		{Name: "a", URI: t.b.EmptyFileURI(), Meta: store.Metadata{"mime": "text/plain"}},
		{Name: "b", URI: t.b.EmptyDirURI(), IsDir: true},
	}

	blob, err := t.b.SerializeDir(entries)
	AssertEq(nil, err)

	got, err := t.b.ParseDir(blob)
	AssertEq(nil, err)
	AssertEq(2, len(got))

	ExpectEq("a", got[0].Name)
	ExpectFalse(got[0].IsDir)
	ExpectEq("text/plain", got[0].Meta["mime"])

	ExpectEq("b", got[1].Name)
	ExpectTrue(got[1].IsDir)
}

type sliceWriterAt []byte

func (s sliceWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n := copy(s[off:], p)
	return n, nil
}
