package fsys

import (
	"syscall"

	"github.com/casfs/casfs/internal/tree"
)

// errno translates the core's compact error taxonomy into the POSIX
// errno the kernel expects (spec.md §7: "translated to POSIX errno only
// at the internal/fsys boundary"). A nil err maps to nil.
func errno(err error) error {
	if err == nil {
		return nil
	}

	switch tree.KindOf(err) {
	case tree.KindNotFound:
		return syscall.ENOENT
	case tree.KindExists:
		return syscall.EEXIST
	case tree.KindWrongKind:
		return syscall.EISDIR
	case tree.KindNotEmpty:
		return syscall.ENOTEMPTY
	case tree.KindUnsupported:
		return syscall.ENOTSUP
	case tree.KindShutdown:
		return syscall.ESHUTDOWN
	case tree.KindIO:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
