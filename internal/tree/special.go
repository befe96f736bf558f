package tree

import "strings"

// specialPrefix is the reserved basename prefix for the URI debug view
// (spec component C8): ".uri" inside a directory names that directory's
// own content-hash URI; ".uri.NAME" names the URI of the sibling NAME.
const specialPrefix = ".uri"

// specialTarget parses a basename as a special-file reference. ok is
// false for an ordinary name. self is true for the bare ".uri" entry
// (refers to the containing directory); otherwise target is the sibling
// basename the caller should resolve instead.
func specialTarget(name string) (target string, self bool, ok bool) {
	if name == specialPrefix {
		return "", true, true
	}
	if strings.HasPrefix(name, specialPrefix+".") {
		target = strings.TrimPrefix(name, specialPrefix+".")
		if target == "" {
			return "", false, false
		}
		return target, false, true
	}
	return "", false, false
}

// isSpecialName reports whether name is reserved for the URI view and
// therefore cannot be created, renamed over, or removed as an ordinary
// entry.
func isSpecialName(name string) bool {
	_, _, ok := specialTarget(name)
	return ok
}
