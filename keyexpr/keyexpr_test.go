package keyexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntersects(t *testing.T) {
	tests := []struct {
		e1, e2 string
		want   bool
	}{
		// Exact literals
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/b/c", "a/b", false},

		// Single-level wildcard
		{"a/*/c", "a/b/c", true},
		{"a/*/c", "a/b/d/c", false},
		{"a/*", "a/b", true},
		{"a/*", "a/b/c", false},
		{"*", "a", true},
		{"*/b", "a/b", true},

		// Multi-level wildcard
		{"a/**", "a/b/c/d", true},
		{"a/**", "a", true},
		{"**", "a/b/c", true},
		{"a/**/c", "a/c", true},
		{"a/**/c", "a/b/x/c", true},
		{"a/**/c", "a/b/x/d", false},
		{"**/c", "a/b/c", true},
		{"**/c", "a/b/d", false},

		// Wildcards on both sides
		{"a/*/c", "a/**", true},
		{"a/*", "*/b", true},
		{"**", "**", true},
		{"a/**", "b/**", false},

		// In-segment sub-wildcards
		{"sensors/temp*", "sensors/temperature", true},
		{"sensors/temp*", "sensors/humidity", false},
		{"sensors/*ure", "sensors/temperature", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Intersects(tt.e1, tt.e2), "Intersects(%q, %q)", tt.e1, tt.e2)
		// Intersection is symmetric
		assert.Equal(t, tt.want, Intersects(tt.e2, tt.e1), "Intersects(%q, %q)", tt.e2, tt.e1)
	}
}

func TestIncludes(t *testing.T) {
	tests := []struct {
		expr, sub string
		want      bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/*/c", "a/b/c", true},
		{"a/b/c", "a/*/c", false},
		{"a/**", "a/b/c", true},
		{"a/**", "a", true},
		{"a/**", "a/*/c", true},
		{"a/*", "a/**", false},
		{"**", "a/*/c", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Includes(tt.expr, tt.sub), "Includes(%q, %q)", tt.expr, tt.sub)
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("a/b/c"))
	require.NoError(t, Validate("sensors/*"))
	require.NoError(t, Validate("a/**/c"))
	require.NoError(t, Validate("sensors/temp*"))

	assert.Error(t, Validate(""))
	assert.Error(t, Validate("/a/b"))
	assert.Error(t, Validate("a/b/"))
	assert.Error(t, Validate("a//b"))
	assert.Error(t, Validate("a/x**/b"))
}

func TestIsConcrete(t *testing.T) {
	assert.True(t, IsConcrete("a/b/c"))
	assert.False(t, IsConcrete("a/*/c"))
	assert.False(t, IsConcrete("a/**"))
	assert.False(t, IsConcrete("a/temp*"))
}
