package cleanup

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/protoreel/worker/internal/cache"
	"github.com/protoreel/worker/internal/monitor"
)

// Coordinator owns every reclamation path in the worker: per-task temp
// directories, periodic cache maintenance and the aggressive teardown run
// under memory pressure. All of its methods are idempotent and never return
// errors; a file that is already gone is a success, and anything that cannot
// be removed is logged and skipped. Cleanup failing must never fail a task.
type Coordinator struct {
	tempDir       string
	store         *cache.Store
	clearInterval int // full cache clear every N finished tasks, 0 disables

	mu        sync.Mutex
	tasksDone int
}

func New(tempDir string, store *cache.Store, clearInterval int) *Coordinator {
	return &Coordinator{
		tempDir:       tempDir,
		store:         store,
		clearInterval: clearInterval,
	}
}

// TaskDir returns the scratch directory for one task, creating it if needed.
// Everything a render writes (downloads, intermediate clips, the assembled
// video before upload) lives under this directory so AfterTask can reclaim
// it in one call.
func (c *Coordinator) TaskDir(taskID string) (string, error) {
	dir := filepath.Join(c.tempDir, "tasks", taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// RemovePaths deletes the given files, ignoring ones that are already gone.
// Used for per-scene intermediates that should not outlive the scene.
func RemovePaths(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[Cleanup] Failed to remove %s: %v", path, err)
		}
	}
}

// AfterTask reclaims everything a finished task left behind and runs the
// periodic cache maintenance. Called exactly once per task, success or
// failure, after the terminal status is recorded.
func (c *Coordinator) AfterTask(taskID string) {
	dir := filepath.Join(c.tempDir, "tasks", taskID)
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("[Cleanup] Failed to remove task dir %s: %v", dir, err)
	}

	c.mu.Lock()
	c.tasksDone++
	full := c.clearInterval > 0 && c.tasksDone%c.clearInterval == 0
	done := c.tasksDone
	c.mu.Unlock()

	if c.store != nil {
		if full {
			log.Printf("[Cleanup] Task %d reached clearing interval, clearing cache", done)
			c.store.Clear()
		} else {
			c.store.EvictExpired()
		}
	}

	runtime.GC()
}

// OnMemoryPressure is wired as the resource monitor's cleanup callback.
// Critical pressure trims the cache; emergency pressure drops it entirely,
// purges stale temp files and pushes freed pages back to the OS.
func (c *Coordinator) OnMemoryPressure(level monitor.Level) {
	log.Printf("[Cleanup] Memory pressure cleanup (%s)", level)

	if c.store != nil {
		if level >= monitor.LevelEmergency {
			c.store.Clear()
		} else {
			c.store.EvictExpired()
		}
	}

	if level >= monitor.LevelEmergency {
		c.PurgeStaleTemp(time.Hour)
	}

	runtime.GC()
	debug.FreeOSMemory()
}

// PurgeStaleTemp removes task directories that have not been touched within
// maxAge. Normally AfterTask keeps the temp tree empty; this catches leaks
// from crashes and kills.
func (c *Coordinator) PurgeStaleTemp(maxAge time.Duration) {
	root := filepath.Join(c.tempDir, "tasks")
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Cleanup] Failed to read temp dir %s: %v", root, err)
		}
		return
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Printf("[Cleanup] Failed to remove stale %s: %v", path, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("[Cleanup] Purged %d stale task dirs", removed)
	}
}
