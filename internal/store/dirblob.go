package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// dirBlobMagic tags the wire format so a stray file blob is never
// mistaken for a directory listing.
const dirBlobMagic = "CASDIR01"

// serializeDir and parseDir implement the Backend.SerializeDir/ParseDir
// contract with a simple length-prefixed binary encoding. The format is
// deliberately flat (no nesting: a directory blob lists only its direct
// children, each named by URI) since the recursive structure lives in
// the tree of blobs, not inside any one blob.
func serializeDir(entries []DirEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(dirBlobMagic)

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(entries))); err != nil {
		return nil, err
	}

	for _, e := range entries {
		if err := writeString(&buf, e.Name); err != nil {
			return nil, err
		}
		if err := writeString(&buf, e.URI.String()); err != nil {
			return nil, err
		}

		var isDir byte
		if e.IsDir {
			isDir = 1
		}
		if err := buf.WriteByte(isDir); err != nil {
			return nil, err
		}

		if err := binary.Write(&buf, binary.BigEndian, uint32(len(e.Meta))); err != nil {
			return nil, err
		}
		for k, v := range e.Meta {
			if err := writeString(&buf, k); err != nil {
				return nil, err
			}
			if err := writeString(&buf, v); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

func parseDir(b []byte) ([]DirEntry, error) {
	r := bytes.NewReader(b)

	magic := make([]byte, len(dirBlobMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("store: short directory blob: %w", err)
	}
	if string(magic) != dirBlobMagic {
		return nil, fmt.Errorf("store: not a directory blob")
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("store: malformed directory blob: %w", err)
	}

	entries := make([]DirEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("store: malformed directory entry %d: %w", i, err)
		}

		uriStr, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("store: malformed directory entry %d: %w", i, err)
		}
		u, err := ParseURI(uriStr)
		if err != nil {
			return nil, fmt.Errorf("store: malformed directory entry %d: %w", i, err)
		}

		isDirByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("store: malformed directory entry %d: %w", i, err)
		}

		var metaCount uint32
		if err := binary.Read(r, binary.BigEndian, &metaCount); err != nil {
			return nil, fmt.Errorf("store: malformed directory entry %d: %w", i, err)
		}

		var meta Metadata
		if metaCount > 0 {
			meta = make(Metadata, metaCount)
			for j := uint32(0); j < metaCount; j++ {
				k, err := readString(r)
				if err != nil {
					return nil, fmt.Errorf("store: malformed metadata in entry %d: %w", i, err)
				}
				v, err := readString(r)
				if err != nil {
					return nil, fmt.Errorf("store: malformed metadata in entry %d: %w", i, err)
				}
				meta[k] = v
			}
		}

		entries = append(entries, DirEntry{
			Name:  name,
			URI:   u,
			IsDir: isDirByte != 0,
			Meta:  meta,
		})
	}

	return entries, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
