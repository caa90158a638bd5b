package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockerCacheInMemory(t *testing.T) {
	c, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("dev-libs/foo-1")
	assert.False(t, ok)

	require.NoError(t, c.Set("dev-libs/foo-1", BlockerData{Counter: 7, Atoms: []string{"!dev-libs/bar", "!!<dev-libs/baz-2"}}))
	require.NoError(t, c.Set("app-misc/a-2", BlockerData{Counter: 1}))
	data, ok := c.Get("dev-libs/foo-1")
	require.True(t, ok)
	assert.Equal(t, int64(7), data.Counter)
	assert.Equal(t, []string{"!dev-libs/bar", "!!<dev-libs/baz-2"}, data.Atoms)
	assert.Equal(t, []string{"app-misc/a-2", "dev-libs/foo-1"}, c.Keys())
	assert.Equal(t, 2, c.Modified())

	c.Delete("app-misc/a-2")
	assert.Equal(t, []string{"dev-libs/foo-1"}, c.Keys())
	require.NoError(t, c.Flush())
	assert.Equal(t, 0, c.Modified())
}

func TestBlockerCacheRejectsInvalid(t *testing.T) {
	c, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.Set("not-a-cpv", BlockerData{}))
	assert.Error(t, c.Set("dev-libs/foo-1", BlockerData{Atoms: []string{"dev-libs/bar"}}))
	assert.Empty(t, c.Keys())
}

func TestBlockerCachePersistent(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, c.Set("dev-libs/foo-1", BlockerData{Counter: 3, Atoms: []string{"!dev-libs/bar"}}))
	require.NoError(t, c.Close())

	c, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer c.Close()
	data, ok := c.Get("dev-libs/foo-1")
	require.True(t, ok)
	assert.Equal(t, int64(3), data.Counter)

	_, err = Open(Config{})
	var initErr *InitializationError
	assert.ErrorAs(t, err, &initErr)
}
