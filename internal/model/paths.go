package model

import "strings"

// PathSeparator splits a field path into segments, e.g. "scope.inScope".
const PathSeparator = "."

// NormalizePath trims whitespace and stray separators.
func NormalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), PathSeparator)
}

// Ancestors returns the path itself followed by every ancestor prefix,
// longest first: "a.b.c" -> ["a.b.c", "a.b", "a"].
func Ancestors(path string) []string {
	path = NormalizePath(path)
	if path == "" {
		return nil
	}
	out := []string{path}
	for {
		idx := strings.LastIndex(path, PathSeparator)
		if idx <= 0 {
			return out
		}
		path = path[:idx]
		out = append(out, path)
	}
}

// IsDescendant reports whether path sits strictly below parent.
func IsDescendant(path, parent string) bool {
	path, parent = NormalizePath(path), NormalizePath(parent)
	return parent != "" && strings.HasPrefix(path, parent+PathSeparator)
}
