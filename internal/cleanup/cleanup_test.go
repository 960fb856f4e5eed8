package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoreel/worker/internal/cache"
	"github.com/protoreel/worker/internal/monitor"
)

func fillStore(t *testing.T, store *cache.Store, texts ...string) {
	t.Helper()
	for _, text := range texts {
		_, _, err := store.GetOrFill(context.Background(), cache.Key(map[string]string{"text": text}), ".mp3",
			func(ctx context.Context, dest string) error {
				return os.WriteFile(dest, []byte(text), 0644)
			})
		require.NoError(t, err)
	}
}

func TestTaskDirAndAfterTask(t *testing.T) {
	tempDir := t.TempDir()
	c := New(tempDir, nil, 0)

	dir, err := c.TaskDir("task-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("x"), 0644))

	c.AfterTask("task-1")
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	// Idempotent: a second call on the same task is a no-op
	c.AfterTask("task-1")
	c.AfterTask("never-existed")
}

func TestAfterTaskClearsCacheOnInterval(t *testing.T) {
	tempDir := t.TempDir()
	store := cache.New(filepath.Join(tempDir, "cache"), time.Hour, 100)
	c := New(tempDir, store, 3)

	fillStore(t, store, "a", "b")
	require.Greater(t, store.SizeBytes(), int64(0))

	c.AfterTask("t1")
	c.AfterTask("t2")
	assert.Greater(t, store.SizeBytes(), int64(0), "cache survives between clearing intervals")

	c.AfterTask("t3")
	assert.Equal(t, int64(0), store.SizeBytes(), "every third task clears the cache")
}

func TestRemovePaths(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "a.mp3")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))

	RemovePaths(existing, filepath.Join(dir, "missing.mp3"), "")

	_, err := os.Stat(existing)
	assert.True(t, os.IsNotExist(err))
}

func TestOnMemoryPressure(t *testing.T) {
	tempDir := t.TempDir()
	store := cache.New(filepath.Join(tempDir, "cache"), time.Hour, 100)
	c := New(tempDir, store, 0)

	fillStore(t, store, "a", "b")

	// Critical trims but keeps live entries
	c.OnMemoryPressure(monitor.LevelCritical)
	assert.Greater(t, store.SizeBytes(), int64(0))

	// Emergency drops everything, including stale task dirs
	staleDir, err := c.TaskDir("stale")
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(staleDir, old, old))

	c.OnMemoryPressure(monitor.LevelEmergency)
	assert.Equal(t, int64(0), store.SizeBytes())
	_, statErr := os.Stat(staleDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPurgeStaleTempKeepsFreshDirs(t *testing.T) {
	tempDir := t.TempDir()
	c := New(tempDir, nil, 0)

	fresh, err := c.TaskDir("fresh")
	require.NoError(t, err)
	stale, err := c.TaskDir("stale")
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	c.PurgeStaleTemp(time.Hour)

	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}
