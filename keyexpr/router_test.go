package keyexpr

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Match(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register("sensors", "sensors/*"))
	require.NoError(t, r.Register("all", "**"))
	require.NoError(t, r.Register("deep", "data/**"))
	require.NoError(t, r.Register("exact", "data/a/b"))

	assert.Equal(t, []string{"all", "sensors"}, r.Match("sensors/1"))
	assert.Equal(t, []string{"all"}, r.Match("sensors/1/raw"))
	assert.Equal(t, []string{"all", "deep", "exact"}, r.Match("data/a/b"))
	assert.Equal(t, []string{"all", "deep"}, r.Match("data/a"))
	assert.Equal(t, []string{"all", "deep"}, r.Match("data"))
	assert.Equal(t, []string{"all"}, r.Match("other"))
}

func TestRouter_MatchWildcardQuery(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register("s1", "sensors/1"))
	require.NoError(t, r.Register("s2", "sensors/2"))
	require.NoError(t, r.Register("other", "actuators/1"))

	// Wildcard queries intersect without materializing concrete keys
	assert.Equal(t, []string{"s1", "s2"}, r.Match("sensors/*"))
	assert.Equal(t, []string{"other", "s1", "s2"}, r.Match("**"))
	assert.Equal(t, []string{"other", "s1"}, r.Match("*/1"))
}

func TestRouter_Unregister(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register("a", "x/y"))
	require.NoError(t, r.Register("b", "x/*"))

	assert.Equal(t, []string{"a", "b"}, r.Match("x/y"))

	r.Unregister("a")
	assert.Equal(t, []string{"b"}, r.Match("x/y"))

	r.Unregister("b")
	assert.Empty(t, r.Match("x/y"))

	// Unknown id is a no-op
	r.Unregister("missing")
}

func TestRouter_RegisterReplaces(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register("s", "a/*"))
	assert.Equal(t, []string{"s"}, r.Match("a/1"))

	require.NoError(t, r.Register("s", "b/*"))
	assert.Empty(t, r.Match("a/1"))
	assert.Equal(t, []string{"s"}, r.Match("b/1"))

	expr, ok := r.Expression("s")
	require.True(t, ok)
	assert.Equal(t, "b/*", expr)
}

func TestRouter_CacheNeverOutlivesRegistration(t *testing.T) {
	// A lookup concurrent with a registration must not park a result
	// computed against the old trie in the cache after the registration
	// purged it. Run many rounds with readers hammering the cached
	// expression while the trie changes underneath them.
	for round := 0; round < 50; round++ {
		r := NewRouter()
		require.NoError(t, r.Register("base", "x/*"))
		// Warm the cache for the expression under contention
		assert.Equal(t, []string{"base"}, r.Match("x/1"))

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					r.Match("x/1")
				}
			}()
		}
		id := fmt.Sprintf("added%d", round)
		require.NoError(t, r.Register(id, "x/**"))
		wg.Wait()

		assert.Equal(t, []string{id, "base"}, r.Match("x/1"))
	}
}

func TestRouter_RejectsInvalidExpr(t *testing.T) {
	r := NewRouter()
	assert.Error(t, r.Register("bad", "a//b"))
	assert.Empty(t, r.Match("a/b"))
}
