package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_SaveLoadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "backfill_checkpoint.txt")
	cp := New(path)

	_, ok, err := cp.Load()
	require.NoError(t, err)
	assert.False(t, ok, "absent file means no checkpoint")

	day := time.Date(2024, 3, 9, 17, 30, 0, 0, time.UTC)
	require.NoError(t, cp.Save(day))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09\n", string(raw))

	got, ok, err := cp.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), got)

	t.Run("save overwrites", func(t *testing.T) {
		require.NoError(t, cp.Save(day.AddDate(0, 0, 1)))
		got, _, err := cp.Load()
		require.NoError(t, err)
		assert.Equal(t, 10, got.Day())

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temp files left behind")
	})

	require.NoError(t, cp.Clear())
	_, ok, err = cp.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, cp.Clear(), "clearing twice is fine")
}

func TestFile_LoadCorrupt(t *testing.T) {
	for _, content := range []string{"", "yesterday", "2024-13-01", "2024/01/01"} {
		t.Run(content, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cp.txt")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, ok, err := New(path).Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupt)
			assert.False(t, ok)
		})
	}
}

func TestFile_LoadTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.txt")
	require.NoError(t, os.WriteFile(path, []byte("  2019-09-25 \r\n"), 0o644))

	got, ok, err := New(path).Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2019, 9, 25, 0, 0, 0, 0, time.UTC), got)
}
