package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter decides which storages a sink receives changes from.
type Filter interface {
	Match(storage string) bool
}

// GlobFilter matches storage names against glob patterns. No patterns
// means every storage matches.
type GlobFilter struct {
	globs []glob.Glob
}

// NewGlobFilter compiles the given patterns.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid storage pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}
	return filter, nil
}

// Match returns true if the storage name matches any configured pattern.
func (f *GlobFilter) Match(storage string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(storage) {
			return true
		}
	}
	return false
}
