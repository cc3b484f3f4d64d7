package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitBucketKey(t *testing.T) {
	tests := []struct {
		path   string
		bucket string
		key    string
	}{
		{"bucket/dir/file.txt", "bucket", "dir/file.txt"},
		{"/bucket/file", "bucket", "file"},
		{"bucket", "bucket", ""},
		{"bucket/", "bucket", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		bucket, key := SplitBucketKey(tt.path)
		assert.Equal(t, tt.bucket, bucket, tt.path)
		assert.Equal(t, tt.key, key, tt.path)
	}
}

func TestDirname(t *testing.T) {
	assert.Equal(t, "a/b", Dirname("a/b/c"))
	assert.Equal(t, "a/b", Dirname("a/b/c/"))
	assert.Equal(t, "", Dirname("a"))
	assert.Equal(t, "", Dirname(""))
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "c", Basename("a/b/c"))
	assert.Equal(t, "c", Basename("a/b/c/"))
	assert.Equal(t, "a", Basename("a"))
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "a/b/c", JoinKey("a", "b", "c"))
	assert.Equal(t, "a/b", JoinKey("/a/", "", "b/"))
	assert.Equal(t, "", JoinKey())
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("bucket/key"))
	assert.NoError(t, ValidatePath("bucket"))
	assert.Error(t, ValidatePath(""))
	assert.Error(t, ValidatePath("///"))
	assert.Error(t, ValidatePath("bucket/../other"))
	assert.Error(t, ValidatePath("bucket/./key"))
}

func TestIsAncestor(t *testing.T) {
	assert.True(t, IsAncestor("a/b", "a/b/c"))
	assert.True(t, IsAncestor("a/b", "a/b"))
	assert.True(t, IsAncestor("", "anything"))
	assert.False(t, IsAncestor("a/b", "a/bc"))
	assert.False(t, IsAncestor("a/b/c", "a/b"))
}
