package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilter_EmptyMatchesAll(t *testing.T) {
	f, err := NewGlobFilter(nil)
	require.NoError(t, err)

	assert.True(t, f.Match("sensors"))
	assert.True(t, f.Match("anything"))
}

func TestGlobFilter_Patterns(t *testing.T) {
	f, err := NewGlobFilter([]string{"sensor*", "audit"})
	require.NoError(t, err)

	assert.True(t, f.Match("sensors"))
	assert.True(t, f.Match("sensor-lab"))
	assert.True(t, f.Match("audit"))
	assert.False(t, f.Match("metrics"))
	assert.False(t, f.Match("audit-trail"))
}

func TestGlobFilter_InvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[unclosed"})
	require.Error(t, err)
}
