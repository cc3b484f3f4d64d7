package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OSGeo/gdal-sub056/pkg/types"
)

func TestPropertiesRoundTrip(t *testing.T) {
	c := New()
	props := types.FileProperties{Exists: types.ExistsYes, Size: 42, SizeComputed: true}
	c.SetProperties("bucket/a/b.txt", props)

	got, ok := c.GetProperties("bucket/a/b.txt")
	require.True(t, ok)
	assert.Equal(t, props, got)

	// Leading and trailing slashes address the same entry.
	got, ok = c.GetProperties("/bucket/a/b.txt/")
	require.True(t, ok)
	assert.Equal(t, props, got)
}

func TestPropertiesLRUEviction(t *testing.T) {
	c := NewWithLimits(3, 0)
	for i := 0; i < 3; i++ {
		c.SetProperties(fmt.Sprintf("b/k%d", i), types.FileProperties{Size: int64(i)})
	}
	// Touch k0 so k1 becomes the eviction victim.
	_, ok := c.GetProperties("b/k0")
	require.True(t, ok)

	c.SetProperties("b/k3", types.FileProperties{Size: 3})

	_, ok = c.GetProperties("b/k1")
	assert.False(t, ok)
	_, ok = c.GetProperties("b/k0")
	assert.True(t, ok)
	_, ok = c.GetProperties("b/k2")
	assert.True(t, ok)
}

func TestInvalidateExactPath(t *testing.T) {
	c := New()
	c.SetProperties("b/dir/file", types.FileProperties{Exists: types.ExistsYes})
	c.SetProperties("b/dir/file2", types.FileProperties{Exists: types.ExistsYes})

	c.Invalidate("b/dir/file")

	_, ok := c.GetProperties("b/dir/file")
	assert.False(t, ok)
	_, ok = c.GetProperties("b/dir/file2")
	assert.True(t, ok)
}

func TestInvalidateDirContentKeepsOwnProperties(t *testing.T) {
	c := New()
	c.SetProperties("b/dir", types.FileProperties{Exists: types.ExistsYes, IsDir: true})
	c.SetListing("b/dir", DirListing{Entries: []types.DirEntry{{Name: "x"}}, Complete: true})
	c.RegisterEmptyDir("b/dir")

	c.InvalidateDirContent("b/dir")

	_, ok := c.GetListing("b/dir")
	assert.False(t, ok)
	assert.False(t, c.IsKnownEmptyDir("b/dir"))
	_, ok = c.GetProperties("b/dir")
	assert.True(t, ok)
}

func TestInvalidateRecursive(t *testing.T) {
	c := New()
	c.SetProperties("b/dir", types.FileProperties{IsDir: true})
	c.SetProperties("b/dir/a", types.FileProperties{})
	c.SetProperties("b/dir/sub/b", types.FileProperties{})
	c.SetProperties("b/dirx", types.FileProperties{})
	c.SetListing("b/dir/sub", DirListing{Complete: true})
	c.RegisterEmptyDir("b/dir/empty")

	c.InvalidateRecursive("b/dir")

	for _, p := range []string{"b/dir", "b/dir/a", "b/dir/sub/b"} {
		_, ok := c.GetProperties(p)
		assert.False(t, ok, "expected %s to be dropped", p)
	}
	_, ok := c.GetListing("b/dir/sub")
	assert.False(t, ok)
	assert.False(t, c.IsKnownEmptyDir("b/dir/empty"))

	// A sibling sharing the name as a prefix survives.
	_, ok = c.GetProperties("b/dirx")
	assert.True(t, ok)
}

func TestEmptyDirRegistry(t *testing.T) {
	c := New()
	assert.False(t, c.IsKnownEmptyDir("b/new"))
	c.RegisterEmptyDir("b/new")
	assert.True(t, c.IsKnownEmptyDir("b/new"))
	c.Invalidate("b/new")
	assert.False(t, c.IsKnownEmptyDir("b/new"))
}

func TestClear(t *testing.T) {
	c := New()
	c.SetProperties("b/k", types.FileProperties{})
	c.SetListing("b", DirListing{})
	c.RegisterEmptyDir("b/e")
	c.Clear()
	_, ok := c.GetProperties("b/k")
	assert.False(t, ok)
	_, ok = c.GetListing("b")
	assert.False(t, ok)
	assert.False(t, c.IsKnownEmptyDir("b/e"))
}
