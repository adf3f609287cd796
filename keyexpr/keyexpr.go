// Package keyexpr implements wildcard-capable key expressions over
// slash-segmented keys, and the router that maps incoming expressions to the
// set of registered storages whose expressions intersect them.
//
// A segment may be a literal ("sensors"), contain a sub-wildcard ("temp*"),
// be a single-level wildcard ("*"), or a multi-level wildcard ("**") which
// spans any number of segments including zero.
package keyexpr

import (
	"fmt"
	"strings"
)

// Intersects returns true if there exists a concrete key (with no wildcards)
// that matches both expressions. Intersection is symmetric.
func Intersects(e1, e2 string) bool {
	return exprIntersect(e1, e2)
}

// Includes returns true if every concrete key matching sub also matches expr.
func Includes(expr, sub string) bool {
	return exprInclude(expr, sub)
}

// Validate checks that expr is a well-formed key expression.
func Validate(expr string) error {
	if expr == "" {
		return fmt.Errorf("key expression is empty")
	}
	if strings.HasPrefix(expr, "/") || strings.HasSuffix(expr, "/") {
		return fmt.Errorf("key expression %q has a leading or trailing slash", expr)
	}
	for _, seg := range strings.Split(expr, "/") {
		if seg == "" {
			return fmt.Errorf("key expression %q contains an empty segment", expr)
		}
		if strings.Contains(seg, "**") && seg != "**" {
			return fmt.Errorf("key expression %q: ** must be a whole segment", expr)
		}
	}
	return nil
}

// IsConcrete reports whether expr contains no wildcards, i.e. denotes a
// single key.
func IsConcrete(expr string) bool {
	return !strings.Contains(expr, "*")
}

// Segment-level cursors. A "chunk" is one slash-delimited segment; the
// sub-chunk cursors walk characters within a segment, the chunk cursors walk
// segments within an expression. The recursion shape follows the reference
// resolution algorithm: wildcards on either side may consume zero elements or
// one element and retry.

func subEnd(s string) bool  { return s == "" || s[0] == '/' }
func subWild(s string) bool { return s != "" && s[0] == '*' }
func subNext(s string) string {
	return s[1:]
}
func subEqual(s1, s2 string) bool { return s1[0] == s2[0] }

func chunkEnd(s string) bool { return s == "" }
func chunkWild(s string) bool {
	return s == "**" || strings.HasPrefix(s, "**/")
}
func chunkNext(s string) string {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return ""
	}
	return s[idx+1:]
}

type cursor struct {
	end  func(string) bool
	wild func(string) bool
	next func(string) string
	elem func(string, string) bool
}

func (c cursor) intersect(s1, s2 string) bool {
	if c.end(s1) && c.end(s2) {
		return true
	}
	if c.wild(s1) && c.end(s2) {
		return c.intersect(c.next(s1), s2)
	}
	if c.end(s1) && c.wild(s2) {
		return c.intersect(s1, c.next(s2))
	}
	if c.wild(s1) {
		if c.end(c.next(s1)) {
			return true
		}
		if c.intersect(c.next(s1), s2) {
			return true
		}
		return c.intersect(s1, c.next(s2))
	}
	if c.wild(s2) {
		if c.end(c.next(s2)) {
			return true
		}
		if c.intersect(s1, c.next(s2)) {
			return true
		}
		return c.intersect(c.next(s1), s2)
	}
	if c.end(s1) || c.end(s2) {
		return false
	}
	if c.elem(s1, s2) {
		return c.intersect(c.next(s1), c.next(s2))
	}
	return false
}

func (c cursor) include(this, sub string) bool {
	if c.end(this) && c.end(sub) {
		return true
	}
	if c.wild(this) && c.end(sub) {
		return c.include(c.next(this), sub)
	}
	if c.wild(this) {
		if c.end(c.next(this)) {
			return true
		}
		if c.include(c.next(this), sub) {
			return true
		}
		return c.include(this, c.next(sub))
	}
	if c.wild(sub) {
		return false
	}
	if c.end(this) || c.end(sub) {
		return false
	}
	if c.elem(this, sub) {
		return c.include(c.next(this), c.next(sub))
	}
	return false
}

var subCursor = cursor{end: subEnd, wild: subWild, next: subNext, elem: subEqual}

// segIntersect decides intersection of two single segments, honoring
// in-segment sub-wildcards. Both arguments are suffixes whose first chunk is
// the segment under comparison.
func segIntersect(c1, c2 string) bool {
	if subEnd(c1) != subEnd(c2) {
		return false
	}
	return subCursor.intersect(c1, c2)
}

func segInclude(this, sub string) bool {
	return subCursor.include(this, sub)
}

var exprCursor = cursor{end: chunkEnd, wild: chunkWild, next: chunkNext, elem: segIntersect}
var exprIncludeCursor = cursor{end: chunkEnd, wild: chunkWild, next: chunkNext, elem: segInclude}

func exprIntersect(e1, e2 string) bool {
	return exprCursor.intersect(e1, e2)
}

func exprInclude(this, sub string) bool {
	return exprIncludeCursor.include(this, sub)
}
