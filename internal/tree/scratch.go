package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// scratchPrefix marks files this process created under a scratch
// directory, so SweepScratch can tell a stale scratch file left behind
// by a crash from anything else an operator might have put there.
const scratchPrefix = "casfs-scratch-"

// scratchDir creates named temporary files for dirty regular files
// under a single directory (spec.md §5: "scratch-file preallocation"
// and crash-recovery sweep). It does not unlink files after opening them
// — a mount that dies uncleanly leaves recoverable scratch files behind,
// which SweepScratch cleans up on the next mount instead of silently
// losing unpublished writes on an unlink-after-open scheme.
type scratchDir struct {
	dir string
}

func newScratchDir(dir string) (*scratchDir, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tree: scratch dir %s: %w", dir, err)
	}
	return &scratchDir{dir: dir}, nil
}

// create opens a fresh scratch file and returns its path and handle.
func (s *scratchDir) create() (string, *os.File, error) {
	f, err := os.CreateTemp(s.dir, scratchPrefix+"*")
	if err != nil {
		return "", nil, err
	}
	return f.Name(), f, nil
}

// sweep removes every scratch file left in dir from a prior run. It is
// called once at mount time (Tree.SweepScratch), before any path in the
// tree has been touched, so there is no risk of racing a live scratch
// file.
func (s *scratchDir) sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("tree: sweep scratch dir %s: %w", s.dir, err)
	}

	n := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasPrefix(de.Name(), scratchPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil && !os.IsNotExist(err) {
			return n, fmt.Errorf("tree: remove stale scratch file %s: %w", de.Name(), err)
		}
		n++
	}
	return n, nil
}
