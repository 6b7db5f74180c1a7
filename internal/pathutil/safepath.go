// Package pathutil normalizes untrusted slash-separated paths before they
// are resolved against a billy filesystem.
package pathutil

import (
	"errors"
	"path"
	"strings"
)

var ErrUnsafePath = errors.New("unsafe path")

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for seg := range strings.SplitSeq(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Relative returns p cleaned and without leading slashes. Paths holding a
// NUL byte or a ".." segment, and paths that clean to the root, are
// rejected with ErrUnsafePath.
func Relative(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", ErrUnsafePath
	}
	for seg := range strings.SplitSeq(p, "/") {
		if seg == ".." {
			return "", ErrUnsafePath
		}
	}
	rel := path.Clean(strings.TrimLeft(p, "/"))
	if rel == "." {
		return "", ErrUnsafePath
	}
	return rel, nil
}
