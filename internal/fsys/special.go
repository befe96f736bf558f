package fsys

import (
	"context"
	"path"
	"strings"
)

const specialPrefix = ".uri"

// specialFileTarget reports whether path's basename is a reserved
// `.uri`/`.uri.NAME` entry (spec component C8) and, if so, which sibling
// path its content should resolve to.
func specialFileTarget(p string) (refPath string, self bool, ok bool) {
	dir, base := path.Dir(p), path.Base(p)

	if base == specialPrefix {
		return dir, true, true
	}
	if strings.HasPrefix(base, specialPrefix+".") {
		name := strings.TrimPrefix(base, specialPrefix+".")
		if name == "" {
			return "", false, false
		}
		if dir == "/" {
			return "/" + name, false, true
		}
		return dir + "/" + name, false, true
	}
	return "", false, false
}

func (fs *FS) readSpecial(ctx context.Context, refPath string, self bool) ([]byte, error) {
	uri, err := fs.tree.ResolveURI(ctx, refPath)
	if err != nil {
		return nil, err
	}
	_ = self
	return []byte(uri + "\n"), nil
}
