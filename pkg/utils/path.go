// Package utils provides key-path helpers shared across the filesystem
// layers. Object stores have a flat key namespace; these helpers treat
// '/' separated keys as hierarchical paths without touching the local
// filesystem semantics of path/filepath.
package utils

import (
	"fmt"
	"strings"
)

// SplitBucketKey splits a "bucket/key" path into its bucket and object
// key components. The key may be empty (bucket root).
func SplitBucketKey(path string) (bucket, key string) {
	path = strings.Trim(path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx], path[idx+1:]
	}
	return path, ""
}

// Dirname returns the parent of a key path, or "" at the top level.
func Dirname(path string) string {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// Basename returns the final component of a key path.
func Basename(path string) string {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// JoinKey joins key components with single slashes, dropping empties.
func JoinKey(elems ...string) string {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}

// ValidatePath rejects empty paths and paths with traversal components,
// which have no meaning in a flat key namespace and usually indicate a
// caller bug.
func ValidatePath(path string) error {
	if strings.Trim(path, "/") == "" {
		return fmt.Errorf("path cannot be empty")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("path contains traversal component: %s", path)
		}
	}
	return nil
}

// IsAncestor reports whether dir is an ancestor of (or equal to) path
// in key space.
func IsAncestor(dir, path string) bool {
	dir = strings.Trim(dir, "/")
	path = strings.Trim(path, "/")
	if dir == "" {
		return true
	}
	return path == dir || strings.HasPrefix(path, dir+"/")
}
