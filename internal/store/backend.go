package store

import (
	"context"
	"io"
)

// Metadata is the opaque key/value bag carried through directory listings
// (spec.md §3.1). Well-known keys: "mime", "anonymity", "priority".
type Metadata map[string]string

// Clone returns an independent copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DirEntry is one record of a directory listing: a child's basename, its
// current URI, whether it is itself a directory, and its metadata bag.
type DirEntry struct {
	Name  string
	URI   URI
	IsDir bool
	Meta  Metadata
}

// Backend is the facade (spec component C1) through which the directory
// and file engines perform all interaction with the content-addressed
// store. It knows nothing about paths, entries, locks, or dirtiness —
// only about URIs and bytes.
type Backend interface {
	// Parse turns the canonical string form of a URI back into a URI.
	Parse(s string) (URI, error)

	// Size returns the byte length of the blob named by u.
	Size(ctx context.Context, u URI) (int64, error)

	// Download writes the byte range [off, off+n) of the blob named by u to
	// w. n may exceed the blob's remaining length; Download then writes
	// only what is available and returns successfully (callers compare the
	// returned count against n to detect a short read).
	Download(ctx context.Context, u URI, w io.WriterAt, off, n int64) (read int64, err error)

	// Upload reads r to completion, stores it as a new immutable blob, and
	// returns its URI. hint carries optional publish hints (anonymity,
	// priority, mime) that a real backend may honor and a reference
	// backend may simply record.
	Upload(ctx context.Context, r io.Reader, hint Metadata) (URI, error)

	// SerializeDir encodes a directory listing into its on-the-wire blob
	// form (the bytes that Upload would store for this directory).
	SerializeDir(entries []DirEntry) ([]byte, error)

	// ParseDir decodes a directory blob previously produced by
	// SerializeDir (directly, or after a round trip through Download).
	ParseDir(b []byte) ([]DirEntry, error)

	// EmptyDirURI returns the well-known URI of the empty directory
	// listing, used to initialize a fresh mount root.
	EmptyDirURI() URI

	// EmptyFileURI returns the well-known URI of the zero-length file,
	// used as the sentinel for a freshly mknod'd, never-written file
	// (spec.md §6, mknod row).
	EmptyFileURI() URI

	// Cancelled is closed when the backend should abandon in-flight
	// operations (process shutdown). Long-running Download/Upload calls
	// must select on it (spec.md §5, Cancellation & timeouts).
	Cancelled() <-chan struct{}
}
