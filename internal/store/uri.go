// Package store defines the backend client facade (spec component C1):
// opaque operations over content-hash URIs, and a disk-backed reference
// implementation of the facade.
package store

import (
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// URI is an opaque, immutable, content-hash identifier for a blob (file
// bytes or a serialized directory listing) held by a Backend. Two URIs
// compare equal with == iff they name the same content.
//
// URI is a plain value type: "duplicate" and "destroy" from the entry
// model (spec.md §3.1, §4.1) are no-ops over it, since nothing beyond the
// string value itself needs to be reference counted or released. See
// DESIGN.md for why this resolves cleanly rather than requiring its own
// refcounted handle.
type URI struct {
	d digest.Digest
}

// Nil reports whether the URI is the unset sentinel (spec.md §3.1: "uri
// may be absent while a newly-created node has never been uploaded").
func (u URI) Nil() bool {
	return u.d == ""
}

func (u URI) String() string {
	return u.d.String()
}

// ParseURI parses the canonical string form of a URI ("<algorithm>:<hex>").
func ParseURI(s string) (URI, error) {
	if s == "" {
		return URI{}, nil
	}
	d, err := digest.Parse(s)
	if err != nil {
		return URI{}, fmt.Errorf("store: invalid uri %q: %w", s, err)
	}
	return URI{d: d}, nil
}

func uriFromDigest(d digest.Digest) URI {
	return URI{d: d}
}
