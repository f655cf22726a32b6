package tlmx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoProxyWildcards(t *testing.T) {
	np, err := NewNoProxy([]string{"*.local, 10.0.0.?", "exact.host"})
	require.NoError(t, err)
	assert.True(t, np.match("intra.local"))
	assert.True(t, np.match("a.b.local"))
	assert.True(t, np.match("10.0.0.1"))
	assert.True(t, np.match("exact.host"))
	assert.True(t, np.match("EXACT.HOST"))
	assert.False(t, np.match("local"))
	assert.False(t, np.match("intra.local.com"))
	assert.False(t, np.match("10.0.0.10"))
}

func TestNoProxyEmpty(t *testing.T) {
	np, err := NewNoProxy(nil)
	require.NoError(t, err)
	assert.True(t, np.empty())
	assert.False(t, np.match("anything"))
}

func TestNoProxyAlternatives(t *testing.T) {
	np, err := NewNoProxy([]string{"*.corp|*.lan"})
	require.NoError(t, err)
	assert.True(t, np.match("x.corp"))
	assert.True(t, np.match("x.lan"))
	assert.False(t, np.match("x.com"))
}
