package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUtil_ShortCommit(t *testing.T) {
	t.Run("success - long commit is shortened", func(t *testing.T) {
		assert.Equal(t, "0123456789ab", ShortCommit("0123456789abcdef0123456789abcdef01234567"))
	})
	t.Run("success - short ref is kept", func(t *testing.T) {
		assert.Equal(t, "v6.1", ShortCommit("v6.1"))
	})
}

func TestUtil_Truncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdefgh", 5))
	assert.Equal(t, "ab", Truncate("abcdefgh", 2))
}

func TestUtil_PathExists(t *testing.T) {
	t.Run("success - missing path", func(t *testing.T) {
		// act
		exists, err := PathExists(filepath.Join(t.TempDir(), "missing"))

		// assert
		assert.NoError(t, err)
		assert.False(t, exists)
	})
	t.Run("success - existing path", func(t *testing.T) {
		// act
		exists, err := PathExists(t.TempDir())

		// assert
		assert.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestUtil_Deref(t *testing.T) {
	assert.Equal(t, 0, Deref[int](nil))
	assert.Equal(t, 4, Deref(AsPtr(4)))
}
