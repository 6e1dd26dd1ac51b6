// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "strings"

// MatchMethod checks whether a request method is covered by a rule's
// method list. An empty list or a "*" entry matches any method;
// otherwise matching is case-insensitive any-of.
func MatchMethod(methods MethodList, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// MatchPath checks whether a request path matches a glob pattern.
//
// Both pattern and path are split into non-empty /-delimited segments
// and walked simultaneously:
//
//   - a literal pattern segment must equal the path segment exactly
//     (paths are case-sensitive per HTTP convention)
//   - "*" consumes exactly one path segment
//   - "**" consumes zero or more path segments, including interior
//     positions ("/a/**/z" matches both "/a/z" and "/a/b/c/z")
//
// An empty pattern matches only the root path. Consecutive "**"
// segments behave as a single "**".
func MatchPath(pattern, path string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(path))
}

func splitSegments(s string) []string {
	parts := strings.Split(s, "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// matchSegments matches with backtracking: "**" may appear before
// further literal or "*" segments that must still align, so every
// possible consumption length is tried. A match requires both the
// pattern and the path to be fully consumed; a trailing "**" may
// match zero remaining segments.
func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		// Collapse runs of "**" into one.
		rest := pattern[1:]
		for len(rest) > 0 && rest[0] == "**" {
			rest = rest[1:]
		}
		for i := 0; i <= len(path); i++ {
			if matchSegments(rest, path[i:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != path[0] {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}
