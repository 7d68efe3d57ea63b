package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFilterScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filter.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestPatchFilter_Skip(t *testing.T) {
	rec := PatchRecord(patchRecord(101))

	t.Run("success - default patterns skip other projects and pull requests", func(t *testing.T) {
		// arrange
		filter, err := NewPatchFilter(DefaultSkipPatterns, "")
		require.NoError(t, err)
		names := []string{
			"[PATCH iproute2] tc: fix parsing",
			"[PATCH ethtool v2] add link modes",
			"[pktgen] samples: update",
			"[GIT PULL] networking fixes",
			"Pull Request: net-next 2024-01-01",
		}

		for _, name := range names {
			// act
			skip, err := filter.Skip(context.Background(), PatchRecord{ID: 1, Name: name})

			// assert
			assert.NoError(t, err)
			assert.True(t, skip, name)
		}
	})

	t.Run("success - regular patch is tested", func(t *testing.T) {
		// arrange
		filter, err := NewPatchFilter(DefaultSkipPatterns, "")
		require.NoError(t, err)

		// act
		skip, err := filter.Skip(context.Background(), rec)

		// assert
		assert.NoError(t, err)
		assert.False(t, skip)
	})

	t.Run("success - nil filter tests everything", func(t *testing.T) {
		// arrange
		var filter *PatchFilter

		// act
		skip, err := filter.Skip(context.Background(), PatchRecord{Name: "[GIT PULL] x"})

		// assert
		assert.NoError(t, err)
		assert.False(t, skip)
	})

	t.Run("success - program exit 0 tests the patch", func(t *testing.T) {
		// arrange
		filter, err := NewPatchFilter(nil, writeFilterScript(t, `test "$1" = "`+mboxURL(rec.URL)+`"`))
		require.NoError(t, err)

		// act
		skip, err := filter.Skip(context.Background(), rec)

		// assert
		assert.NoError(t, err)
		assert.False(t, skip)
	})

	t.Run("success - program exit 1 skips the patch", func(t *testing.T) {
		// arrange
		filter, err := NewPatchFilter(nil, writeFilterScript(t, "exit 1"))
		require.NoError(t, err)

		// act
		skip, err := filter.Skip(context.Background(), rec)

		// assert
		assert.NoError(t, err)
		assert.True(t, skip)
	})

	t.Run("failure - program exit 127", func(t *testing.T) {
		// arrange
		filter, err := NewPatchFilter(nil, writeFilterScript(t, "exit 127"))
		require.NoError(t, err)

		// act
		_, err = filter.Skip(context.Background(), rec)

		// assert
		assert.ErrorContains(t, err, "status 127")
	})

	t.Run("failure - missing program", func(t *testing.T) {
		// arrange
		filter, err := NewPatchFilter(nil, filepath.Join(t.TempDir(), "missing"))
		require.NoError(t, err)

		// act
		_, err = filter.Skip(context.Background(), rec)

		// assert
		assert.Error(t, err)
	})

	t.Run("failure - invalid pattern", func(t *testing.T) {
		// act
		_, err := NewPatchFilter([]string{"[unclosed"}, "")

		// assert
		assert.Error(t, err)
	})
}
