// Package pathutil checks names that end up in storage keys.
package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// SafeObjectName reports whether name can be appended to a key prefix
// without escaping it: relative, no dot or empty segments, no backslashes
// and no control characters.
func SafeObjectName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return false
	}
	if strings.Contains(name, "//") || strings.ContainsRune(name, '\\') {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] == 0x7f {
			return false
		}
	}
	return !HasDotSegments(name)
}
