package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	fallocate "github.com/detailyang/go-fallocate"
	digest "github.com/opencontainers/go-digest"
)

// preallocateThreshold is the blob size at or above which Upload preallocates
// the temporary file's space with Fallocate before writing, the same
// technique the teacher's go.mod pulls in go-fallocate for (scratch-file
// space management) but applied here to blob staging instead.
const preallocateThreshold = 1 << 20 // 1 MiB

// LocalBackend is the reference Backend (spec component C1): blobs are
// content-addressed files under <root>/blobs/<algorithm>/<hex>, written
// via write-to-temp-then-rename so a reader never observes a partial
// blob at its final digest-named path.
type LocalBackend struct {
	root      string
	tmpDir    string
	blobsDir  string
	cancelled chan struct{}

	emptyDir  URI
	emptyFile URI
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend creates (if necessary) the on-disk layout rooted at
// dir and returns a Backend over it.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	b := &LocalBackend{
		root:      dir,
		tmpDir:    filepath.Join(dir, "tmp"),
		blobsDir:  filepath.Join(dir, "blobs"),
		cancelled: make(chan struct{}),
	}

	for _, d := range []string{b.root, b.tmpDir, b.blobsDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", d, err)
		}
	}

	ctx := context.Background()

	emptyDirBlob, err := serializeDir(nil)
	if err != nil {
		return nil, err
	}
	b.emptyDir, err = b.upload(ctx, emptyDirBlob, nil)
	if err != nil {
		return nil, fmt.Errorf("store: seed empty directory: %w", err)
	}

	b.emptyFile, err = b.upload(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("store: seed empty file: %w", err)
	}

	return b, nil
}

func (b *LocalBackend) blobPath(u URI) string {
	return filepath.Join(b.blobsDir, string(u.d.Algorithm()), u.d.Hex())
}

// Parse implements Backend.
func (b *LocalBackend) Parse(s string) (URI, error) { return ParseURI(s) }

// EmptyDirURI implements Backend.
func (b *LocalBackend) EmptyDirURI() URI { return b.emptyDir }

// EmptyFileURI implements Backend.
func (b *LocalBackend) EmptyFileURI() URI { return b.emptyFile }

// Cancelled implements Backend.
func (b *LocalBackend) Cancelled() <-chan struct{} { return b.cancelled }

// Shutdown closes the cancellation channel, unblocking any in-flight
// Download/Upload calls with an I/O-cancelled error.
func (b *LocalBackend) Shutdown() {
	select {
	case <-b.cancelled:
	default:
		close(b.cancelled)
	}
}

// Size implements Backend.
func (b *LocalBackend) Size(ctx context.Context, u URI) (int64, error) {
	if u.Nil() {
		return 0, nil
	}

	fi, err := os.Stat(b.blobPath(u))
	if err != nil {
		return 0, fmt.Errorf("store: size %s: %w", u, err)
	}
	return fi.Size(), nil
}

// Download implements Backend.
func (b *LocalBackend) Download(ctx context.Context, u URI, w io.WriterAt, off, n int64) (int64, error) {
	select {
	case <-b.cancelled:
		return 0, fmt.Errorf("store: download %s: %w", u, errCancelled)
	default:
	}

	if u.Nil() {
		return 0, nil
	}

	f, err := os.Open(b.blobPath(u))
	if err != nil {
		return 0, fmt.Errorf("store: download %s: %w", u, err)
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	var total int64
	for total < n {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("store: download %s: %w", u, ctx.Err())
		case <-b.cancelled:
			return total, fmt.Errorf("store: download %s: %w", u, errCancelled)
		default:
		}

		chunk := int64(len(buf))
		if remaining := n - total; remaining < chunk {
			chunk = remaining
		}

		read, rerr := f.ReadAt(buf[:chunk], off+total)
		if read > 0 {
			if _, werr := w.WriteAt(buf[:read], off+total); werr != nil {
				return total, fmt.Errorf("store: download %s: %w", u, werr)
			}
			total += int64(read)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, fmt.Errorf("store: download %s: %w", u, rerr)
		}
	}

	return total, nil
}

// Upload implements Backend.
func (b *LocalBackend) Upload(ctx context.Context, r io.Reader, hint Metadata) (URI, error) {
	select {
	case <-b.cancelled:
		return URI{}, fmt.Errorf("store: upload: %w", errCancelled)
	default:
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return URI{}, fmt.Errorf("store: upload: %w", err)
	}

	return b.upload(ctx, data, hint)
}

// upload stages data under tmpDir, preallocating its space for large
// blobs, then renames it into place at its content-hash path.
func (b *LocalBackend) upload(ctx context.Context, data []byte, hint Metadata) (URI, error) {
	d := digest.Canonical.FromBytes(data)
	u := uriFromDigest(d)
	dst := b.blobPath(u)

	// Already have this content: content-addressing makes this a no-op.
	if _, err := os.Stat(dst); err == nil {
		return u, nil
	}

	tmp, err := os.CreateTemp(b.tmpDir, "blob-*")
	if err != nil {
		return URI{}, fmt.Errorf("store: upload: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	if len(data) >= preallocateThreshold {
		if err := fallocate.Fallocate(tmp, 0, int64(len(data))); err != nil {
			// Preallocation is an optimization; fall through to a plain
			// write if the filesystem doesn't support it.
			_ = err
		}
	}

	if _, err := tmp.Write(data); err != nil {
		return URI{}, fmt.Errorf("store: upload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return URI{}, fmt.Errorf("store: upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return URI{}, fmt.Errorf("store: upload: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return URI{}, fmt.Errorf("store: upload: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return URI{}, fmt.Errorf("store: upload: %w", err)
	}

	_ = hint // the reference backend records no publish hints beyond content.
	return u, nil
}

// SerializeDir implements Backend.
func (b *LocalBackend) SerializeDir(entries []DirEntry) ([]byte, error) {
	return serializeDir(entries)
}

// ParseDir implements Backend.
func (b *LocalBackend) ParseDir(data []byte) ([]DirEntry, error) {
	return parseDir(data)
}

// sizeHint renders a size as a base-10 decimal string for use as a
// metadata value.
func sizeHint(n int64) string {
	return strconv.FormatInt(n, 10)
}
